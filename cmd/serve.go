package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"podhub/config"
	"podhub/feed"
	"podhub/hub"
	"podhub/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the podhub scheduler and HTTP API",
		Description: `Starts the feed scheduler and the HTTP server.

All configured feeds are fetched on their own schedules; the HTTP API exposes
the feed list, per-feed episode lists, media resolution for
<feed_id>/<episode_guid|latest>, a manual refresh trigger and an SSE stream of
new-episode events.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "podhub.toml",
				Usage:   "Path to the podcasts configuration file",
				EnvVars: []string{"PODHUB_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "Port for the HTTP server",
				EnvVars: []string{"PODHUB_PORT"},
			},
			&cli.IntFlag{
				Name:    "fetch-timeout",
				Value:   20,
				Usage:   "Per-request timeout for feed fetches in seconds",
				EnvVars: []string{"PODHUB_FETCH_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "probe-enclosures",
				Value:   true,
				Usage:   "Confirm enclosure content type with a redirect-following probe when the feed declares none",
				EnvVars: []string{"PODHUB_PROBE_ENCLOSURES"},
			},
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Starting podhub...")

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}
			settings, feeds, cfgErrs := config.Validate(cfg)
			if len(feeds) == 0 && len(cfgErrs) > 0 {
				return fmt.Errorf("no valid feeds configured (%d rejected)", len(cfgErrs))
			}

			fetcher := feed.NewFetcher(time.Duration(ctx.Int("fetch-timeout")) * time.Second)
			broadcaster := server.NewBroadcaster()
			registry := hub.New(feeds)
			scheduler := hub.NewScheduler(registry, fetcher, settings, broadcaster)

			var prober hub.Prober
			if ctx.Bool("probe-enclosures") {
				prober = fetcher
			}
			resolver := hub.NewResolver(registry, prober, settings.MediaType)

			app := server.Server(&server.ServerConfig{
				Hub:         registry,
				Scheduler:   scheduler,
				Resolver:    resolver,
				Broadcaster: broadcaster,
			})

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				cancel()
				if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
					log.Errorf("Server shutdown: %v", err)
				}
			}()

			scheduler.Start(runCtx)

			if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
				cancel()
				scheduler.Stop()
				return err
			}

			// Listen returned after shutdown; drain in-flight work.
			scheduler.Stop()
			broadcaster.Shutdown()

			fmt.Println("Done!")
			return nil
		},
	}
}
