package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"podhub/config"
	"podhub/feed"
	"podhub/hub"
	"podhub/models"
)

func checkCmd() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Fetch every configured feed once and print the episodes",
		Description: `Loads the configuration, runs a single refresh cycle over
all feeds and prints every stored episode to stdout.

Returns each episode as a JSON object on a single line with the feed id
attached. Use a tool like jq to process the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "podhub.toml",
				Usage:   "Path to the podcasts configuration file",
				EnvVars: []string{"PODHUB_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "fetch-timeout",
				Value:   20,
				Usage:   "Per-request timeout for feed fetches in seconds",
				EnvVars: []string{"PODHUB_FETCH_TIMEOUT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			// Keep stdout clean for the JSON lines
			log.SetOutput(os.Stderr)

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}
			settings, feeds, _ := config.Validate(cfg)
			if len(feeds) == 0 {
				return fmt.Errorf("no valid feeds configured")
			}

			fetcher := feed.NewFetcher(time.Duration(ctx.Int("fetch-timeout")) * time.Second)
			registry := hub.New(feeds)
			scheduler := hub.NewScheduler(registry, fetcher, settings, nil)

			outcomes := scheduler.RefreshAll(ctx.Context)
			for _, outcome := range outcomes {
				if outcome.Error != "" {
					log.Warnf("Feed %s failed: %s", outcome.FeedID, outcome.Error)
				}
			}

			for _, f := range registry.Feeds() {
				for _, episode := range f.Store.Episodes() {
					printStdout(f.Config.ID, episode)
				}
			}

			return nil
		},
	}
}

func printStdout(feedID string, episode models.Episode) {
	// Print as single JSON string on a single line
	line := struct {
		FeedID string `json:"feed_id"`
		models.Episode
	}{FeedID: feedID, Episode: episode}

	data, err := json.Marshal(line)
	if err == nil {
		fmt.Println(string(data))
	}
}
