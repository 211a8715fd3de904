package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podhub/config"
	"podhub/feed"
	"podhub/models"
)

func rssDocument(title string, items ...string) []byte {
	doc := `<?xml version="1.0"?><rss version="2.0"><channel><title>` + title + `</title>`
	for _, item := range items {
		doc += item
	}
	return []byte(doc + `</channel></rss>`)
}

func rssItem(guid string, published time.Time) string {
	return fmt.Sprintf(
		`<item><title>Episode %s</title><guid>%s</guid><pubDate>%s</pubDate><enclosure url="https://example.com/%s.mp3" type="audio/mpeg"/></item>`,
		guid, guid, published.Format(time.RFC1123Z), guid)
}

// fakeSource serves canned documents or errors per URL and counts requests.
type fakeSource struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
	calls  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bodies: make(map[string][]byte),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (s *fakeSource) Fetch(_ context.Context, url string) (*feed.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	if err, ok := s.errs[url]; ok {
		return nil, err
	}
	return &feed.FetchResult{FinalURL: url, Body: s.bodies[url]}, nil
}

func (s *fakeSource) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.NewEpisodeEvent
}

func (s *fakeSink) Publish(event models.NewEpisodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSink) all() []models.NewEpisodeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NewEpisodeEvent(nil), s.events...)
}

var testSettings = config.Settings{
	CheckInterval:  5 * time.Minute,
	UpdateInterval: 15 * time.Minute,
	MediaType:      config.MediaTypePodcast,
}

func testFeed(id string) config.Feed {
	return config.Feed{
		ID:          id,
		Name:        "Feed " + id,
		URL:         "https://example.com/" + id + ".xml",
		MaxEpisodes: 50,
	}
}

func TestTickFetchesAllFeedsOnFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	published := now.Add(-time.Hour)

	source := newFakeSource()
	cfgA, cfgB := testFeed("a"), testFeed("b")
	source.bodies[cfgA.URL] = rssDocument("Show A", rssItem("a1", published))
	source.bodies[cfgB.URL] = rssDocument("Show B", rssItem("b1", published))

	h := New([]config.Feed{cfgA, cfgB})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	for _, id := range []string{"a", "b"} {
		f, _ := h.Get(id)
		state := f.State()
		assert.Equal(t, now, state.LastFetch)
		assert.Equal(t, now.Add(testSettings.UpdateInterval), state.NextDue, "no per-feed interval means the global one")
		assert.Empty(t, state.LastError)
		assert.Equal(t, 1, f.Store.Len())
	}
	fA, _ := h.Get("a")
	assert.Equal(t, "Show A", fA.State().Title)
}

func TestTickSkipsFeedsNotYetDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("a")
	source.bodies[cfg.URL] = rssDocument("Show A")

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	require.Equal(t, 1, source.callCount(cfg.URL))

	// Next check fires before the feed's interval elapses.
	now = now.Add(testSettings.CheckInterval)
	s.Tick(context.Background())
	assert.Equal(t, 1, source.callCount(cfg.URL))

	now = now.Add(testSettings.UpdateInterval)
	s.Tick(context.Background())
	assert.Equal(t, 2, source.callCount(cfg.URL))
}

func TestTickHonorsPerFeedInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("fast")
	cfg.UpdateInterval = 5 * time.Minute
	source.bodies[cfg.URL] = rssDocument("Fast")

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	f, _ := h.Get("fast")
	assert.Equal(t, now.Add(5*time.Minute), f.State().NextDue)
}

func TestTickFixedRefreshTimesOnly(t *testing.T) {
	now := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("daily")
	cfg.RefreshTimes = []config.RefreshTime{{Hour: 8, Minute: 30}, {Hour: 18, Minute: 0}}
	source.bodies[cfg.URL] = rssDocument("Daily")

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	f, _ := h.Get("daily")
	state := f.State()
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), state.NextDue,
		"fixed times alone schedule the feed, no interval applies")
	assert.Equal(t, models.DueFixedTime, state.NextReason)

	// Nothing fires between now and the listed time.
	now = now.Add(time.Hour)
	s.Tick(context.Background())
	require.Equal(t, 1, source.callCount(cfg.URL))

	now = time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
	s.Tick(context.Background())
	require.Equal(t, 2, source.callCount(cfg.URL))
	assert.Equal(t, models.DueFixedTime, f.State().LastReason)
	assert.Equal(t, time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), f.State().NextDue)
}

func TestNextDue(t *testing.T) {
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(New(nil), newFakeSource(), testSettings, nil)

	tests := []struct {
		name       string
		cfg        config.Feed
		wantDue    time.Time
		wantReason models.DueReason
	}{
		{
			name:       "global default",
			cfg:        config.Feed{},
			wantDue:    from.Add(15 * time.Minute),
			wantReason: models.DueInterval,
		},
		{
			name:       "explicit interval",
			cfg:        config.Feed{UpdateInterval: time.Hour},
			wantDue:    from.Add(time.Hour),
			wantReason: models.DueInterval,
		},
		{
			name:       "fixed times only",
			cfg:        config.Feed{RefreshTimes: []config.RefreshTime{{Hour: 18, Minute: 0}}},
			wantDue:    time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC),
			wantReason: models.DueFixedTime,
		},
		{
			name: "interval beats distant fixed time",
			cfg: config.Feed{
				UpdateInterval: 30 * time.Minute,
				RefreshTimes:   []config.RefreshTime{{Hour: 18, Minute: 0}},
			},
			wantDue:    from.Add(30 * time.Minute),
			wantReason: models.DueInterval,
		},
		{
			name: "near fixed time beats interval",
			cfg: config.Feed{
				UpdateInterval: 30 * time.Minute,
				RefreshTimes:   []config.RefreshTime{{Hour: 12, Minute: 10}},
			},
			wantDue:    time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC),
			wantReason: models.DueFixedTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, reason := s.nextDue(tt.cfg, from)
			assert.Equal(t, tt.wantDue, due)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestFailedFetchRecordsErrorAndReschedules(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("broken")
	source.errs[cfg.URL] = &feed.FetchError{Kind: feed.FetchHTTPStatus, URL: cfg.URL, StatusCode: 503}

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	f, _ := h.Get("broken")
	state := f.State()
	assert.Contains(t, state.LastError, "HTTP 503")
	assert.True(t, state.LastFetch.IsZero(), "a failed cycle is not a successful fetch")
	assert.Equal(t, now.Add(testSettings.UpdateInterval), state.NextDue, "failures wait for the next due time, no retry")
	assert.Zero(t, f.Store.Len())
}

func TestFailureKeepsPreviousEpisodes(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("flaky")
	source.bodies[cfg.URL] = rssDocument("Flaky", rssItem("e1", now.Add(-time.Hour)))

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	f, _ := h.Get("flaky")
	require.Equal(t, 1, f.Store.Len())

	source.mu.Lock()
	source.errs[cfg.URL] = errors.New("connection reset")
	source.mu.Unlock()

	now = now.Add(testSettings.UpdateInterval)
	s.Tick(context.Background())

	assert.Equal(t, 1, f.Store.Len(), "last good snapshot survives a failed cycle")
	assert.Contains(t, f.State().LastError, "connection reset")
}

func TestTickSkipsInFlightFeed(t *testing.T) {
	source := newFakeSource()
	cfg := testFeed("busy")
	source.bodies[cfg.URL] = rssDocument("Busy")

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)

	f, _ := h.Get("busy")
	require.True(t, f.tryBeginFetch())

	s.Tick(context.Background())
	assert.Zero(t, source.callCount(cfg.URL))

	f.endFetch(func(*ScheduleState) {})
	s.Tick(context.Background())
	assert.Equal(t, 1, source.callCount(cfg.URL))
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfgA, cfgB, cfgC := testFeed("a"), testFeed("b"), testFeed("c")
	source.bodies[cfgA.URL] = rssDocument("A", rssItem("a1", now.Add(-time.Hour)))
	source.errs[cfgB.URL] = errors.New("dns failure")
	source.bodies[cfgC.URL] = rssDocument("C", rssItem("c1", now.Add(-time.Hour)))

	h := New([]config.Feed{cfgA, cfgB, cfgC})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	outcomes := s.RefreshAll(context.Background())
	require.Len(t, outcomes, 3)

	assert.Equal(t, "a", outcomes[0].FeedID)
	assert.Empty(t, outcomes[0].Error)
	assert.Equal(t, 1, outcomes[0].Episodes)

	assert.Equal(t, "b", outcomes[1].FeedID)
	assert.Contains(t, outcomes[1].Error, "dns failure")

	assert.Equal(t, "c", outcomes[2].FeedID)
	assert.Empty(t, outcomes[2].Error)
	assert.Equal(t, 1, outcomes[2].Episodes)

	fB, _ := h.Get("b")
	assert.Equal(t, models.DueManual, fB.State().LastReason)
}

func TestNewEpisodeEvents(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("news")
	source.bodies[cfg.URL] = rssDocument("News", rssItem("e1", now.Add(-2*time.Hour)))

	sink := &fakeSink{}
	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, sink)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	assert.Empty(t, sink.all(), "first fetch seeds known episodes without reporting")

	source.mu.Lock()
	source.bodies[cfg.URL] = rssDocument("News",
		rssItem("e2", now.Add(-time.Hour)),
		rssItem("e1", now.Add(-2*time.Hour)))
	source.mu.Unlock()

	now = now.Add(testSettings.UpdateInterval)
	s.Tick(context.Background())

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "news", events[0].FeedID)
	assert.Equal(t, "News", events[0].FeedTitle)
	assert.Equal(t, "e2", events[0].Episode.GUID)
}

func TestParseFailureIsRecorded(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	source := newFakeSource()
	cfg := testFeed("garbled")
	source.bodies[cfg.URL] = []byte("not a feed")

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, testSettings, nil)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	f, _ := h.Get("garbled")
	assert.Contains(t, f.State().LastError, "parse feed")
	assert.Zero(t, f.Store.Len())
}

func TestStartAndStop(t *testing.T) {
	source := newFakeSource()
	cfg := testFeed("a")
	source.bodies[cfg.URL] = rssDocument("A")

	settings := testSettings
	settings.CheckInterval = 10 * time.Millisecond

	h := New([]config.Feed{cfg})
	s := NewScheduler(h, source, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	assert.Eventually(t, func() bool {
		return source.callCount(cfg.URL) >= 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	calls := source.callCount(cfg.URL)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, source.callCount(cfg.URL), "no cycles run after Stop")
}
