package config

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// RefreshTime is a fixed local time of day at which a feed refreshes in
// addition to its interval.
type RefreshTime struct {
	Hour   int
	Minute int
}

func (rt RefreshTime) String() string {
	return fmt.Sprintf("%02d:%02d", rt.Hour, rt.Minute)
}

// NextAfter returns the next occurrence of the refresh time strictly after t,
// in t's location. A time earlier in the day than t rolls over to tomorrow.
func (rt RefreshTime) NextAfter(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), rt.Hour, rt.Minute, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ParseRefreshTime parses a single "HH:MM" string.
func ParseRefreshTime(value string) (RefreshTime, error) {
	var rt RefreshTime
	if _, err := fmt.Sscanf(value, "%d:%d", &rt.Hour, &rt.Minute); err != nil {
		return rt, fmt.Errorf("invalid refresh time %q: %w", value, err)
	}
	if rt.Hour < 0 || rt.Hour > 23 || rt.Minute < 0 || rt.Minute > 59 {
		return rt, fmt.Errorf("refresh time %q out of range", value)
	}
	return rt, nil
}

// ParseRefreshTimes parses and sorts refresh time strings. Entries that do not
// parse are skipped with a warning rather than failing the feed.
func ParseRefreshTimes(values []string) []RefreshTime {
	var parsed []RefreshTime
	for _, value := range values {
		rt, err := ParseRefreshTime(value)
		if err != nil {
			log.Warnf("Skipping refresh time: %v", err)
			continue
		}
		parsed = append(parsed, rt)
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].Hour != parsed[j].Hour {
			return parsed[i].Hour < parsed[j].Hour
		}
		return parsed[i].Minute < parsed[j].Minute
	})
	return parsed
}
