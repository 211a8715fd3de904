package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/cqroot/prompt"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"podhub/config"
)

func addCmd() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Interactively add a podcast feed to the configuration file",
		Description: `Prompts for the feed id, name, url and episode limit and
appends the feed to the configuration file. The file is created if it does not
exist yet.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "podhub.toml",
				Usage:   "Path to the podcasts configuration file",
				EnvVars: []string{"PODHUB_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.String("config")

			cfg, err := config.LoadConfig(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				cfg = &config.TomlConfig{}
			}

			id, err := prompt.New().Ask("Feed id:").Input("my-podcast")
			if err != nil {
				return err
			}
			name, err := prompt.New().Ask("Name:").Input(id)
			if err != nil {
				return err
			}
			feedURL, err := prompt.New().Ask("Feed URL:").Input("https://example.com/feed.xml")
			if err != nil {
				return err
			}
			maxRaw, err := prompt.New().Ask("Max episodes:").Input(strconv.Itoa(config.DefaultMaxEpisodes))
			if err != nil {
				return err
			}
			maxEpisodes, err := strconv.Atoi(maxRaw)
			if err != nil {
				return fmt.Errorf("max episodes must be a number: %w", err)
			}

			cfg.Podcasts = append(cfg.Podcasts, config.TomlFeed{
				ID:          id,
				Name:        name,
				URL:         feedURL,
				MaxEpisodes: maxEpisodes,
			})

			// Reject the entry now instead of at serve time.
			_, _, cfgErrs := config.Validate(cfg)
			if bad, found := lo.Find(cfgErrs, func(e *config.ConfigError) bool {
				return e.FeedID == id
			}); found {
				return fmt.Errorf("refusing to add feed: %w", bad)
			}

			file, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
			defer file.Close()

			if err := toml.NewEncoder(file).Encode(cfg); err != nil {
				return fmt.Errorf("error encoding config file: %w", err)
			}

			fmt.Printf("Added feed %q to %s\n", id, path)
			return nil
		},
	}
}
