package models

import "time"

// Episode is a single item parsed out of a podcast feed. Published is the
// zero time when the feed did not carry a usable date; such episodes sort
// as the oldest. EnclosureURL is empty when the item had no audio attachment,
// in which case the episode is listed but not playable.
type Episode struct {
	GUID          string    `json:"guid"`
	Title         string    `json:"title"`
	Published     time.Time `json:"published,omitempty"`
	EnclosureURL  string    `json:"enclosure_url,omitempty"`
	EnclosureType string    `json:"enclosure_type,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	Summary       string    `json:"summary,omitempty"`
}

// HasEnclosure reports whether the episode can be resolved to audio.
func (e Episode) HasEnclosure() bool {
	return e.EnclosureURL != ""
}

// PlayableMedia is the result of resolving an episode reference.
type PlayableMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// DueReason records why the scheduler fired a fetch for a feed.
type DueReason string

const (
	DueInterval  DueReason = "interval"
	DueFixedTime DueReason = "fixed_time"
	DueManual    DueReason = "manual"
)

// NewEpisodeEvent fired when a fetch cycle surfaces a guid not seen before.
type NewEpisodeEvent struct {
	FeedID    string  `json:"feed_id"`
	FeedTitle string  `json:"feed_title"`
	Episode   Episode `json:"episode"`
}

// FeedInfo is the per-feed view returned by the list API. Channel metadata
// comes from the last successful fetch, schedule fields from the coordinator.
type FeedInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	MaxEpisodes  int        `json:"max_episodes"`
	EpisodeCount int        `json:"episode_count"`
	LastFetch    *time.Time `json:"last_fetch,omitempty"`
	NextDue      *time.Time `json:"next_due,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastReason   DueReason  `json:"last_reason,omitempty"`
}

// RefreshOutcome is the per-feed result of a manual reload cycle.
type RefreshOutcome struct {
	FeedID   string `json:"feed_id"`
	Episodes int    `json:"episodes"`
	Error    string `json:"error,omitempty"`
}
