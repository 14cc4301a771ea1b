package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/urfave/cli/v2"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "splitstreamer-ws",
		Usage:       "Signaling hub",
		Description: "Relays signaling between viewers and the mixer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8443' (default value) for listen on 0.0.0.0:8443",
				Value: ":8443",
			},
		},
		Action: startWs,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startWs(c *cli.Context) error {
	env, err := core.ParseEnvironment(c.String("env"))
	if err != nil {
		return err
	}

	wsApp := ws.New(ws.WsAppOptions{
		Address: c.String("address"),
		Env:     env,
	})

	return wsApp.Start()
}
