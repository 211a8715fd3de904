package hub

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"podhub/config"
	"podhub/feed"
	"podhub/models"
)

var (
	cycleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podhub_feed_cycles_total",
		Help: "The total number of per-feed fetch cycles by outcome",
	}, []string{"outcome"})

	newEpisodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podhub_new_episodes_total",
		Help: "The total number of new episodes discovered across all feeds",
	})
)

// Source fetches a feed document. Satisfied by feed.Fetcher; tests substitute
// a canned source.
type Source interface {
	Fetch(ctx context.Context, url string) (*feed.FetchResult, error)
}

// EventSink receives new-episode events. Satisfied by server.Broadcaster.
type EventSink interface {
	Publish(event models.NewEpisodeEvent)
}

// Scheduler drives the fetch/parse/merge cycle for every feed in the hub.
// One shared ticker evaluates due times rather than one timer per feed, so
// the number of timers stays constant regardless of feed count.
type Scheduler struct {
	hub      *Hub
	source   Source
	parser   *feed.Parser
	events   EventSink
	settings config.Settings

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(h *Hub, source Source, settings config.Settings, events EventSink) *Scheduler {
	return &Scheduler{
		hub:      h,
		source:   source,
		parser:   feed.NewParser(),
		events:   events,
		settings: settings,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic due check. Every feed is due immediately on
// startup. Returns right away; Stop or ctx cancellation ends the loop.
func (s *Scheduler) Start(ctx context.Context) {
	log.WithFields(log.Fields{
		"feeds":          len(s.hub.Feeds()),
		"check_interval": s.settings.CheckInterval,
	}).Info("Starting feed scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.settings.CheckInterval)
		defer ticker.Stop()

		s.Tick(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info("Scheduler context cancelled")
				return
			case <-s.stop:
				log.Info("Scheduler stop signal received")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for in-flight fetch cycles to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Tick fetches every feed whose due time has passed. Feeds already fetching
// are skipped, feeds fetch concurrently with each other, and the tick itself
// returns once all launched cycles complete.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	var wg sync.WaitGroup
	for _, f := range s.hub.Feeds() {
		state := f.State()
		if !state.NextDue.IsZero() && now.Before(state.NextDue) {
			continue
		}
		reason := state.NextReason
		if reason == "" {
			reason = models.DueInterval
		}
		if !f.tryBeginFetch() {
			log.WithFields(log.Fields{"feed": f.Config.ID}).Debug("Fetch already in flight, skipping")
			continue
		}

		wg.Add(1)
		s.wg.Add(1)
		go func(f *Feed, reason models.DueReason) {
			defer wg.Done()
			defer s.wg.Done()
			s.runCycle(ctx, f, reason)
		}(f, reason)
	}
	wg.Wait()
}

// RefreshAll forces an immediate cycle for every feed, due or not. A failure
// on one feed never stops the rest, and nothing is escalated to the caller
// beyond the per-feed outcome list.
func (s *Scheduler) RefreshAll(ctx context.Context) []models.RefreshOutcome {
	log.Info("Manual refresh of all feeds requested")

	feeds := s.hub.Feeds()
	outcomes := make([]models.RefreshOutcome, len(feeds))

	var wg sync.WaitGroup
	for i, f := range feeds {
		outcomes[i].FeedID = f.Config.ID
		if !f.tryBeginFetch() {
			outcomes[i].Episodes = f.Store.Len()
			continue
		}

		wg.Add(1)
		s.wg.Add(1)
		go func(i int, f *Feed) {
			defer wg.Done()
			defer s.wg.Done()
			if err := s.runCycle(ctx, f, models.DueManual); err != nil {
				outcomes[i].Error = err.Error()
			}
			outcomes[i].Episodes = f.Store.Len()
		}(i, f)
	}
	wg.Wait()

	return outcomes
}

// runCycle performs one fetch/parse/merge cycle. The caller must hold the
// feed's in-flight guard. Failures are recorded on the feed, not propagated
// beyond the returned value.
func (s *Scheduler) runCycle(ctx context.Context, f *Feed, reason models.DueReason) error {
	cfg := f.Config

	log.WithFields(log.Fields{
		"feed":   cfg.ID,
		"url":    cfg.URL,
		"reason": reason,
	}).Info("Fetching feed")

	result, err := s.source.Fetch(ctx, cfg.URL)
	if err != nil {
		return s.finishCycle(f, reason, feed.ChannelInfo{}, err)
	}

	info, episodes, err := s.parser.Parse(result.Body)
	if err != nil {
		return s.finishCycle(f, reason, feed.ChannelInfo{}, err)
	}

	merged := feed.Merge(f.Store.Episodes(), episodes, cfg.MaxEpisodes)
	f.Store.Replace(merged)

	fresh := f.markNewEpisodes(merged)
	s.publishNewEpisodes(f, info, fresh)

	log.WithFields(log.Fields{
		"feed":     cfg.ID,
		"episodes": len(merged),
		"new":      len(fresh),
	}).Info("Feed updated")

	return s.finishCycle(f, reason, info, nil)
}

func (s *Scheduler) finishCycle(f *Feed, reason models.DueReason, info feed.ChannelInfo, cycleErr error) error {
	now := s.now()
	due, nextReason := s.nextDue(f.Config, now)

	f.endFetch(func(state *ScheduleState) {
		state.NextDue = due
		state.NextReason = nextReason
		state.LastReason = reason
		if cycleErr != nil {
			state.LastError = cycleErr.Error()
			return
		}
		state.LastError = ""
		state.LastFetch = now
		if info.Title != "" {
			state.Title = info.Title
		}
		if info.ImageURL != "" {
			state.ImageURL = info.ImageURL
		}
	})

	if cycleErr != nil {
		cycleOutcomes.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{
			"feed":     f.Config.ID,
			"next_due": due,
		}).Warnf("Feed fetch failed: %v", cycleErr)
		return cycleErr
	}
	cycleOutcomes.WithLabelValues("success").Inc()
	return nil
}

// nextDue computes the earliest upcoming due time after from. A feed with an
// explicit interval refreshes at that interval and additionally at each fixed
// time; a feed with only fixed times refreshes at those alone; a feed with
// neither uses the global interval.
func (s *Scheduler) nextDue(cfg config.Feed, from time.Time) (time.Time, models.DueReason) {
	interval := cfg.UpdateInterval
	if interval <= 0 && len(cfg.RefreshTimes) == 0 {
		interval = s.settings.UpdateInterval
	}

	var due time.Time
	reason := models.DueInterval
	if interval > 0 {
		due = from.Add(interval)
	}
	for _, rt := range cfg.RefreshTimes {
		candidate := rt.NextAfter(from)
		if due.IsZero() || candidate.Before(due) {
			due = candidate
			reason = models.DueFixedTime
		}
	}
	return due, reason
}

func (s *Scheduler) publishNewEpisodes(f *Feed, info feed.ChannelInfo, fresh []models.Episode) {
	if len(fresh) == 0 {
		return
	}
	newEpisodes.Add(float64(len(fresh)))
	if s.events == nil {
		return
	}

	title := info.Title
	if title == "" {
		title = f.Config.Name
	}
	for _, episode := range fresh {
		s.events.Publish(models.NewEpisodeEvent{
			FeedID:    f.Config.ID,
			FeedTitle: title,
			Episode:   episode,
		})
	}
}
