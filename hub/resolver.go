package hub

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"podhub/config"
	"podhub/feed"
	"podhub/models"
)

// Resolution error kinds.
const (
	ResolveUnknownFeed    = "unknown_feed"
	ResolveUnknownEpisode = "unknown_episode"
	ResolveNoEnclosure    = "no_enclosure"
	ResolveNetwork        = "network"
)

// ResolutionError is the typed failure surfaced to a playback attempt. Resolve
// always returns either a PlayableMedia or one of these, never panics.
type ResolutionError struct {
	Kind    string
	FeedID  string
	Episode string
	Err     error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve %s/%s: %s", e.FeedID, e.Episode, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Prober re-resolves an enclosure URL through redirects. Satisfied by
// feed.Fetcher.
type Prober interface {
	Probe(ctx context.Context, url string) (*feed.ProbeResult, error)
}

const defaultAudioMime = "audio/mpeg"

// Resolver turns a feed id plus episode reference (guid or "latest") into a
// final playable URL. It reads the episode store and never triggers a fetch
// cycle; the only network activity is the optional enclosure probe.
type Resolver struct {
	hub       *Hub
	prober    Prober
	mediaType string
}

func NewResolver(h *Hub, prober Prober, mediaType string) *Resolver {
	if mediaType != config.MediaTypeTrack && mediaType != config.MediaTypePodcast {
		mediaType = config.MediaTypePodcast
	}
	return &Resolver{hub: h, prober: prober, mediaType: mediaType}
}

func (r *Resolver) Resolve(ctx context.Context, feedID, ref string) (models.PlayableMedia, error) {
	f, ok := r.hub.Get(feedID)
	if !ok {
		return models.PlayableMedia{}, &ResolutionError{Kind: ResolveUnknownFeed, FeedID: feedID, Episode: ref}
	}

	episode, ok := f.Store.Lookup(ref)
	if !ok {
		return models.PlayableMedia{}, &ResolutionError{Kind: ResolveUnknownEpisode, FeedID: feedID, Episode: ref}
	}

	if !episode.HasEnclosure() {
		return models.PlayableMedia{}, &ResolutionError{Kind: ResolveNoEnclosure, FeedID: feedID, Episode: episode.GUID}
	}

	finalURL := episode.EnclosureURL
	mime := declaredMime(episode.EnclosureType)

	if r.prober != nil && mime == "" {
		probed, err := r.prober.Probe(ctx, episode.EnclosureURL)
		if err != nil {
			log.WithFields(log.Fields{
				"feed":    feedID,
				"episode": episode.GUID,
			}).Warnf("Enclosure probe failed: %v", err)
			return models.PlayableMedia{}, &ResolutionError{Kind: ResolveNetwork, FeedID: feedID, Episode: episode.GUID, Err: err}
		}
		finalURL = probed.FinalURL
		mime = probed.MimeType
	}

	return models.PlayableMedia{
		URL:      finalURL,
		MimeType: r.mimeFor(mime),
	}, nil
}

// mimeFor applies the configured media_type: track always reports generic
// audio, podcast reports the declared or probed type with a sensible default.
func (r *Resolver) mimeFor(mime string) string {
	if r.mediaType == config.MediaTypeTrack {
		return defaultAudioMime
	}
	if mime == "" {
		return defaultAudioMime
	}
	return mime
}

// declaredMime filters out enclosure types that confirm nothing.
func declaredMime(enclosureType string) string {
	mime := strings.TrimSpace(strings.Split(enclosureType, ";")[0])
	if mime == "" || mime == "application/octet-stream" {
		return ""
	}
	return mime
}
