package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "podhub",
		Usage: "A polling hub for podcast feeds",
		Description: `Podhub keeps a set of independently scheduled podcast feed
		pollers running. Each configured feed is fetched on its own interval
		and/or at fixed times of day, parsed into a bounded episode list, and
		exposed over an HTTP API that can resolve any episode (or the "latest"
		alias) to a final playable audio URL.

		Flags can generally be set via environment variables, e.g.:

		--config => PODHUB_CONFIG=podhub.toml
		--port => PODHUB_PORT=8080
		`,
		Commands: []*cli.Command{
			serveCmd(),
			checkCmd(),
			addCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
