package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/urfave/cli/v2"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/mixer"
)

func main() {
	app := &cli.App{
		Name:        "splitstreamer-mixer",
		Usage:       "Mixer",
		Description: "Negotiates a WebRTC session with every viewer and switches the output between them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config, SPLITSTREAMER_* environment variables override it",
			},
		},
		Action: startMixer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startMixer(c *cli.Context) error {
	env, err := core.ParseEnvironment(c.String("env"))
	if err != nil {
		return err
	}

	mixerApp := mixer.New(mixer.AppOptions{
		Env:        env,
		ConfigPath: c.String("config"),
	})

	return mixerApp.Start()
}
