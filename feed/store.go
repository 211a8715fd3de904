package feed

import (
	"sort"
	"sync"

	"podhub/models"
)

// Latest is the episode reference alias meaning "current newest episode",
// re-evaluated at lookup time.
const Latest = "latest"

// Merge combines the previous episode list with a freshly parsed one. Incoming
// episodes win on guid conflict (fresher metadata), episodes that dropped out
// of the upstream document are kept until max eviction removes them, order is
// published descending with the zero time sorting oldest, and ties keep their
// relative document order. Pure and deterministic.
func Merge(existing, incoming []models.Episode, maxEpisodes int) []models.Episode {
	if maxEpisodes < 1 {
		maxEpisodes = 1
	}

	seen := make(map[string]bool, len(incoming))
	for _, episode := range incoming {
		seen[episode.GUID] = true
	}

	merged := make([]models.Episode, 0, len(incoming)+len(existing))
	merged = append(merged, incoming...)
	for _, episode := range existing {
		if !seen[episode.GUID] {
			seen[episode.GUID] = true
			merged = append(merged, episode)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Published, merged[j].Published
		if a.IsZero() || b.IsZero() {
			// Unknown dates sort as oldest.
			return b.IsZero() && !a.IsZero()
		}
		return a.After(b)
	})

	if len(merged) > maxEpisodes {
		merged = merged[:maxEpisodes]
	}
	return merged
}

// Store holds the bounded, newest-first episode list of one feed. The
// coordinator is the only writer; readers always get a complete snapshot,
// never a partially merged list.
type Store struct {
	mu       sync.RWMutex
	episodes []models.Episode
}

func NewStore() *Store {
	return &Store{}
}

// Replace publishes a fully merged list.
func (s *Store) Replace(episodes []models.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = episodes
}

// Episodes returns a copy of the current snapshot, newest first.
func (s *Store) Episodes() []models.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.Episode, len(s.episodes))
	copy(result, s.episodes)
	return result
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

// Lookup resolves a guid or the Latest alias against the current snapshot.
func (s *Store) Lookup(ref string) (models.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref == Latest {
		if len(s.episodes) == 0 {
			return models.Episode{}, false
		}
		return s.episodes[0], true
	}
	for _, episode := range s.episodes {
		if episode.GUID == ref {
			return episode, true
		}
	}
	return models.Episode{}, false
}
