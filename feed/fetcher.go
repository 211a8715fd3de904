package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podhub_fetch_attempts_total",
		Help: "The total number of feed fetch attempts",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "podhub_fetch_duration_seconds",
		Help:    "Duration of feed fetch requests",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

const (
	defaultTimeout = 20 * time.Second
	userAgent      = "podhub/1.0 (+https://github.com/podhub/podhub)"

	probeMaxRetries      = 2
	probeInitialInterval = 200 * time.Millisecond
	probeMaxInterval     = 2 * time.Second
)

// Fetch error kinds.
const (
	FetchTimeout    = "timeout"
	FetchNetwork    = "network"
	FetchHTTPStatus = "http_status"
)

// FetchError is a typed failure from a single feed request. No retry happens
// at this layer; the scheduler just records it and waits for the next due time.
type FetchError struct {
	Kind       string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	case FetchTimeout:
		return fmt.Sprintf("fetch %s: timeout", e.URL)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetchResult carries the raw document plus the URL the redirect chain ended
// at and the Content-Type the server declared.
type FetchResult struct {
	FinalURL    string
	ContentType string
	Body        []byte
}

// ProbeResult is the outcome of a read-only enclosure probe.
type ProbeResult struct {
	FinalURL string
	MimeType string
}

// Fetcher performs single HTTP requests for feed documents and enclosure
// probes. Redirects are followed transparently.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves a feed document. Fails with a typed FetchError on timeout,
// transport failure or a non-2xx status.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*FetchResult, error) {
	start := time.Now()
	result, err := f.get(ctx, feedURL)
	fetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		fetchAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	fetchAttempts.WithLabelValues("success").Inc()
	return result, nil
}

// Probe re-resolves an enclosure URL through the same redirect-following
// semantics, discarding the body. Transient failures are retried with a short
// bounded backoff since a playback attempt is waiting on the answer.
func (f *Fetcher) Probe(ctx context.Context, enclosureURL string) (*ProbeResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = probeInitialInterval
	bo.MaxInterval = probeMaxInterval

	var result *FetchResult
	operation := func() error {
		res, err := f.get(ctx, enclosureURL)
		if err != nil {
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) && fetchErr.Kind == FetchHTTPStatus && fetchErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, probeMaxRetries), ctx)); err != nil {
		return nil, err
	}

	return &ProbeResult{
		FinalURL: result.FinalURL,
		MimeType: mimeType(result.ContentType),
	}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchNetwork, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: FetchHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	log.WithFields(log.Fields{
		"url":       rawURL,
		"final_url": finalURL,
		"bytes":     len(body),
	}).Debug("Fetched document")

	return &FetchResult{
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func classifyTransportError(rawURL string, err error) *FetchError {
	kind := FetchNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = FetchTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}

// mimeType strips parameters off a Content-Type header value.
func mimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(contentType, ";")[0])
}
