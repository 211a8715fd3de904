// Package hub owns the process-wide feed registry: per-feed configuration,
// episode store and schedule state, created at setup and torn down together.
package hub

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"podhub/config"
	"podhub/feed"
	"podhub/models"
)

// ScheduleState is the coordinator-owned bookkeeping for one feed. Only the
// scheduler mutates it; API handlers read snapshots.
type ScheduleState struct {
	Title      string
	ImageURL   string
	LastFetch  time.Time
	NextDue    time.Time
	NextReason models.DueReason
	LastError  string
	LastReason models.DueReason
}

// Feed bundles one configured feed with its episode store and schedule state.
type Feed struct {
	Config config.Feed
	Store  *feed.Store

	mu       sync.Mutex
	state    ScheduleState
	fetching bool
	known    map[string]bool // guids seen in a previous successful fetch
}

// State returns a copy of the current schedule state.
func (f *Feed) State() ScheduleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// tryBeginFetch flips the in-flight guard. Within one feed fetch cycles are
// strictly sequential; a tick overlapping a manual reload skips the feed.
func (f *Feed) tryBeginFetch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetching {
		return false
	}
	f.fetching = true
	return true
}

func (f *Feed) endFetch(update func(state *ScheduleState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetching = false
	update(&f.state)
}

// markNewEpisodes records the guids of the latest snapshot and returns the
// episodes not seen before. The first successful fetch seeds the set without
// reporting anything as new.
func (f *Feed) markNewEpisodes(episodes []models.Episode) []models.Episode {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.known
	current := make(map[string]bool, len(episodes))
	for _, episode := range episodes {
		current[episode.GUID] = true
	}
	f.known = current

	if previous == nil {
		return nil
	}
	var fresh []models.Episode
	for _, episode := range episodes {
		if !previous[episode.GUID] {
			fresh = append(fresh, episode)
		}
	}
	return fresh
}

// Info assembles the presentation view of the feed.
func (f *Feed) Info() models.FeedInfo {
	state := f.State()

	info := models.FeedInfo{
		ID:           f.Config.ID,
		Name:         f.Config.Name,
		URL:          f.Config.URL,
		Title:        state.Title,
		ImageURL:     state.ImageURL,
		MaxEpisodes:  f.Config.MaxEpisodes,
		EpisodeCount: f.Store.Len(),
		LastError:    state.LastError,
		LastReason:   state.LastReason,
	}
	if !state.LastFetch.IsZero() {
		t := state.LastFetch
		info.LastFetch = &t
	}
	if !state.NextDue.IsZero() {
		t := state.NextDue
		info.NextDue = &t
	}
	return info
}

// Hub is the feed id keyed registry. The feed set is fixed for the lifetime of
// the hub; reconfiguration builds a new hub.
type Hub struct {
	feeds map[string]*Feed
	order []string
}

func New(configs []config.Feed) *Hub {
	h := &Hub{feeds: make(map[string]*Feed, len(configs))}
	for _, cfg := range configs {
		h.feeds[cfg.ID] = &Feed{Config: cfg, Store: feed.NewStore()}
		h.order = append(h.order, cfg.ID)
	}
	return h
}

// Get returns a feed by id.
func (h *Hub) Get(id string) (*Feed, bool) {
	f, ok := h.feeds[id]
	return f, ok
}

// Feeds returns all feeds in configuration order.
func (h *Hub) Feeds() []*Feed {
	return lo.Map(h.order, func(id string, _ int) *Feed {
		return h.feeds[id]
	})
}

// Infos returns the presentation view of every feed, in configuration order.
func (h *Hub) Infos() []models.FeedInfo {
	return lo.Map(h.Feeds(), func(f *Feed, _ int) models.FeedInfo {
		return f.Info()
	})
}
