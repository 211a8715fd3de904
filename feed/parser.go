package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"podhub/models"
)

// Parse error kinds.
const (
	ParseMalformed     = "malformed"
	ParseEmptyDocument = "empty_document"
)

// ParseError means the document could not be interpreted as a feed at all.
// Individual broken items never produce a ParseError; they are skipped.
type ParseError struct {
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Kind == ParseEmptyDocument {
		return "parse feed: empty document"
	}
	return fmt.Sprintf("parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ChannelInfo is feed-level metadata from the channel element.
type ChannelInfo struct {
	Title    string
	ImageURL string
}

const maxSummaryLen = 500

// Parser converts raw RSS 2.0 or Atom bytes into episode records, tolerant of
// missing or malformed per-item fields.
type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{parser: gofeed.NewParser()}
}

// Parse returns episodes in feed document order. Items with no guid, no title
// and no enclosure carry no usable identity and are dropped. A valid document
// with zero usable items is not an error.
func (p *Parser) Parse(data []byte) (ChannelInfo, []models.Episode, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ChannelInfo{}, nil, &ParseError{Kind: ParseEmptyDocument}
	}

	parsed, err := p.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return ChannelInfo{}, nil, &ParseError{Kind: ParseMalformed, Err: err}
	}

	info := ChannelInfo{Title: parsed.Title}
	if parsed.Image != nil {
		info.ImageURL = parsed.Image.URL
	}

	episodes := make([]models.Episode, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		episode, ok := itemToEpisode(item)
		if !ok {
			continue
		}
		episodes = append(episodes, episode)
	}

	return info, episodes, nil
}

func itemToEpisode(item *gofeed.Item) (models.Episode, bool) {
	enclosureURL, enclosureType := pickEnclosure(item)

	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		if item.Title == "" && enclosureURL == "" {
			return models.Episode{}, false
		}
		guid = DeriveGUID(item.Title, enclosureURL)
	}

	episode := models.Episode{
		GUID:          guid,
		Title:         item.Title,
		EnclosureURL:  enclosureURL,
		EnclosureType: enclosureType,
	}

	if item.PublishedParsed != nil {
		episode.Published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		episode.Published = *item.UpdatedParsed
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	episode.Summary = truncate(stripHTML(summary), maxSummaryLen)

	if item.Image != nil {
		episode.ImageURL = item.Image.URL
	} else if item.ITunesExt != nil {
		episode.ImageURL = item.ITunesExt.Image
	}

	return episode, true
}

// pickEnclosure prefers an audio enclosure, falling back to the first one with
// a URL. No enclosure is fine; the episode is just not playable.
func pickEnclosure(item *gofeed.Item) (string, string) {
	var firstURL, firstType string
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(enc.Type, "audio/") {
			return enc.URL, enc.Type
		}
		if firstURL == "" {
			firstURL = enc.URL
			firstType = enc.Type
		}
	}
	return firstURL, firstType
}

// DeriveGUID produces a stable identifier for items whose feed omits one.
// The hash inputs are title and enclosure URL; this must not change between
// releases or episode identity breaks across fetches.
func DeriveGUID(title, enclosureURL string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + enclosureURL))
	return hex.EncodeToString(sum[:])[:16]
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)

	entityReplacer = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
	)
)

func stripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = entityReplacer.Replace(s)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
