package feeds

import (
	"context"
	"encoding/xml"
	"html"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/ident"
)

// RSSFeed polls a public RSS 2.0 or Atom feed. It is the fallback for
// sources without API credentials.
type RSSFeed struct {
	name   string
	url    string
	client *resty.Client
	log    zerolog.Logger
}

func NewRSS(name, url string, client *resty.Client, logger zerolog.Logger) *RSSFeed {
	return &RSSFeed{
		name:   name,
		url:    url,
		client: client,
		log:    logger.With().Str("component", "feeds").Str("source", name).Logger(),
	}
}

func (f *RSSFeed) Name() string { return f.name }

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssEntry `xml:"item"`
	} `xml:"channel"`
}

type rssEntry struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	GUID        string `xml:"guid"`
	Link        string `xml:"link"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
}

// Poll fetches and parses the feed, accepting both dialects.
func (f *RSSFeed) Poll(ctx context.Context) ([]Item, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return nil, faults.Provider(err, true, "feed %s unreachable", f.name)
	}
	if resp.StatusCode() != 200 {
		return nil, classifyStatus(f.name, resp.StatusCode(), string(resp.Body()))
	}

	items, err := parseFeed(f.name, resp.Body())
	if err != nil {
		return nil, err
	}
	f.log.Debug().Int("items", len(items)).Msg("Feed polled")
	return items, nil
}

// parseFeed tries RSS then Atom; Unmarshal rejects a mismatched root
// element, so a nil error means the dialect matched even when the feed
// is empty.
func parseFeed(source string, body []byte) ([]Item, error) {
	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil {
		items := make([]Item, 0, len(rss.Channel.Items))
		for _, e := range rss.Channel.Items {
			id := e.GUID
			if id == "" {
				id = e.Link
			}
			if item, ok := feedItem(source, id, e.Title, e.Description); ok {
				items = append(items, item)
			}
		}
		return items, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err == nil {
		items := make([]Item, 0, len(atom.Entries))
		for _, e := range atom.Entries {
			bodyText := e.Summary
			if bodyText == "" {
				bodyText = e.Content
			}
			if item, ok := feedItem(source, e.ID, e.Title, bodyText); ok {
				items = append(items, item)
			}
		}
		return items, nil
	}

	return nil, faults.Provider(nil, false, "feed %s returned neither RSS nor Atom", source)
}

// feedItem normalizes one entry. Entries with no usable identity fall
// back to a content hash so reposts still dedupe.
func feedItem(source, id, title, body string) (Item, bool) {
	title = cleanMarkup(title)
	body = cleanMarkup(body)
	content := title
	if body != "" {
		if content != "" {
			content += "\n"
		}
		content += body
	}
	if content == "" {
		return Item{}, false
	}
	if id = strings.TrimSpace(id); id == "" {
		id = ident.SHA256Hex(content)[:16]
	}
	return Item{Source: source, SourceID: id, Content: content}, true
}

// cleanMarkup strips tags and entities from feed HTML so the lexicon
// scorer sees plain words.
func cleanMarkup(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}
