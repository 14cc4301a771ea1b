package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/isqad/splitstreamer/internal/monitor"
)

func main() {
	app := &cli.App{
		Name:        "splitstreamer-monitor",
		Usage:       "Session events monitor",
		Description: "Follows peer and branch lifecycle events published by the mixer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "natsAddr",
				Value: "nats://127.0.0.1:10222",
				Usage: "Address to connect to NATS server",
			},
			&cli.StringFlag{
				Name:  "subject",
				Value: "splitstreamer.events",
				Usage: "Subject the mixer publishes events to",
			},
			&cli.StringFlag{
				Name:  "queue",
				Value: monitor.DefaultQueue,
				Usage: "Queue group shared by monitor replicas",
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func start(c *cli.Context) error {
	daemon, err := monitor.New(c.String("natsAddr"), c.String("subject"), c.String("queue"))
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		daemon.Stop()
	}()

	return daemon.Run()
}
