package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCheckInterval is how often the scheduler evaluates feed due times.
	DefaultCheckInterval = 5 * time.Minute

	// DefaultUpdateInterval is the global fetch interval unless a feed overrides it.
	DefaultUpdateInterval = 15 * time.Minute

	DefaultMaxEpisodes = 50
	MaxMaxEpisodes     = 500

	MediaTypeTrack   = "track"
	MediaTypePodcast = "podcast"
)

// TomlFeed is a single [[podcasts]] block as written in the config file.
type TomlFeed struct {
	ID             string   `toml:"id"`
	Name           string   `toml:"name"`
	URL            string   `toml:"url"`
	MaxEpisodes    int      `toml:"max_episodes,omitempty"`
	UpdateInterval int      `toml:"update_interval,omitempty"` // minutes, overrides global
	RefreshTimes   []string `toml:"refresh_times,omitempty"`   // "HH:MM" local times
}

// TomlConfig is the top-level configuration file.
type TomlConfig struct {
	UpdateCheckInterval int        `toml:"update_check_interval,omitempty"` // minutes
	UpdateInterval      int        `toml:"update_interval,omitempty"`      // minutes
	MediaType           string     `toml:"media_type,omitempty"`           // track | podcast
	Podcasts            []TomlFeed `toml:"podcasts"`
}

// Settings holds validated global options.
type Settings struct {
	CheckInterval  time.Duration
	UpdateInterval time.Duration
	MediaType      string
}

// Feed is a validated, immutable feed descriptor, replaced wholesale on
// reconfiguration. UpdateInterval is zero unless the entry set one explicitly;
// a feed with only refresh_times polls at those times alone, while a feed with
// neither falls back to the global interval. The scheduler applies that rule.
type Feed struct {
	ID             string
	Name           string
	URL            string
	MaxEpisodes    int
	UpdateInterval time.Duration
	RefreshTimes   []RefreshTime
}

// Error kinds for per-feed configuration problems.
const (
	ErrDuplicateID = "duplicate_id"
	ErrInvalidURL  = "invalid_url"
	ErrInvalidID   = "invalid_id"
)

// ConfigError describes why a single feed entry was rejected. One bad entry
// never prevents the remaining feeds from loading.
type ConfigError struct {
	Kind   string
	FeedID string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("feed %q: %s: %s", e.FeedID, e.Kind, e.Detail)
}

// Feed ids end up as URL path segments, keep them to slug characters.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// Validate turns the raw file content into settings plus the set of usable
// feeds. Rejected entries are returned as ConfigErrors alongside the feeds
// that did validate.
func Validate(cfg *TomlConfig) (Settings, []Feed, []*ConfigError) {
	settings := Settings{
		CheckInterval:  minutesOrDefault(cfg.UpdateCheckInterval, DefaultCheckInterval),
		UpdateInterval: minutesOrDefault(cfg.UpdateInterval, DefaultUpdateInterval),
		MediaType:      cfg.MediaType,
	}
	if settings.MediaType != MediaTypeTrack && settings.MediaType != MediaTypePodcast {
		settings.MediaType = MediaTypePodcast
	}

	var feeds []Feed
	var errs []*ConfigError
	seen := map[string]bool{}

	for _, item := range cfg.Podcasts {
		if !idPattern.MatchString(item.ID) {
			errs = append(errs, &ConfigError{Kind: ErrInvalidID, FeedID: item.ID, Detail: "id must be a non-empty URL-safe slug"})
			continue
		}
		if seen[item.ID] {
			errs = append(errs, &ConfigError{Kind: ErrDuplicateID, FeedID: item.ID, Detail: "id already configured"})
			continue
		}
		if err := validateFeedURL(item.URL); err != nil {
			errs = append(errs, &ConfigError{Kind: ErrInvalidURL, FeedID: item.ID, Detail: err.Error()})
			continue
		}

		name := item.Name
		if name == "" {
			name = item.ID
		}

		seen[item.ID] = true
		feeds = append(feeds, Feed{
			ID:             item.ID,
			Name:           name,
			URL:            item.URL,
			MaxEpisodes:    clampMaxEpisodes(item.MaxEpisodes),
			UpdateInterval: minutesOrDefault(item.UpdateInterval, 0),
			RefreshTimes:   ParseRefreshTimes(item.RefreshTimes),
		})
	}

	for _, err := range errs {
		log.WithFields(log.Fields{
			"feed": err.FeedID,
			"kind": err.Kind,
		}).Warnf("Skipping invalid podcast config: %s", err.Detail)
	}

	return settings, feeds, errs
}

func validateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q is not an absolute http(s) url", raw)
	}
	return nil
}

func clampMaxEpisodes(value int) int {
	if value <= 0 {
		return DefaultMaxEpisodes
	}
	if value > MaxMaxEpisodes {
		return MaxMaxEpisodes
	}
	return value
}

func minutesOrDefault(minutes int, fallback time.Duration) time.Duration {
	if minutes <= 0 {
		return fallback
	}
	return time.Duration(minutes) * time.Minute
}
