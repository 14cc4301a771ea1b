package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/splitstreamer/internal/bot"
)

func main() {
	app := &cli.App{
		Name:        "splitstreamer-bot",
		Usage:       "WebRTC bot that joins the session as a viewer",
		Description: "Publishes a VP8 IVF file to the mixer through the signaling hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "ws://localhost:8443/",
				Usage: "viewer endpoint of the signaling hub",
			},
			&cli.StringFlag{
				Name:  "video",
				Value: "video.ivf",
				Usage: "VP8 IVF file to stream",
			},
			&cli.StringFlag{
				Name:  "stun",
				Value: "stun://stun.l.google.com:19302",
				Usage: "STUN server, empty to disable",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startBot(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	b := bot.New(bot.Options{
		URL:        c.String("url"),
		VideoFile:  c.String("video"),
		STUNServer: c.String("stun"),
	})

	return b.Start()
}
