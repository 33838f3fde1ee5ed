package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/faults"
)

// JSONConfig maps a REST source's response onto Items. The payload is
// either a JSON array or an object holding one under ListField; IDField
// and TextFields name the entry keys to read.
type JSONConfig struct {
	Name       string
	URL        string
	APIKey     string
	Query      map[string]string
	ListField  string
	IDField    string
	TextFields []string
}

// JSONFeed polls an authenticated REST JSON source.
type JSONFeed struct {
	cfg    JSONConfig
	client *resty.Client
	log    zerolog.Logger
}

// NewJSON builds the adapter. Missing field names take the common
// defaults ("id"; "title" then "text").
func NewJSON(cfg JSONConfig, client *resty.Client, logger zerolog.Logger) *JSONFeed {
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if len(cfg.TextFields) == 0 {
		cfg.TextFields = []string{"title", "text"}
	}
	return &JSONFeed{
		cfg:    cfg,
		client: client,
		log:    logger.With().Str("component", "feeds").Str("source", cfg.Name).Logger(),
	}
}

func (f *JSONFeed) Name() string { return f.cfg.Name }

// Poll fetches the source once and normalizes its entries.
func (f *JSONFeed) Poll(ctx context.Context) ([]Item, error) {
	req := f.client.R().SetContext(ctx)
	if len(f.cfg.Query) > 0 {
		req.SetQueryParams(f.cfg.Query)
	}
	if f.cfg.APIKey != "" {
		req.SetAuthToken(f.cfg.APIKey)
	}

	resp, err := req.Get(f.cfg.URL)
	if err != nil {
		return nil, faults.Provider(err, true, "feed %s unreachable", f.cfg.Name)
	}
	if resp.StatusCode() != 200 {
		return nil, classifyStatus(f.cfg.Name, resp.StatusCode(), string(resp.Body()))
	}

	entries, err := f.entries(resp.Body())
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		id := stringField(entry[f.cfg.IDField])
		if id == "" {
			continue
		}
		var parts []string
		for _, key := range f.cfg.TextFields {
			if v := stringField(entry[key]); v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			continue
		}
		items = append(items, Item{
			Source:   f.cfg.Name,
			SourceID: id,
			Content:  strings.Join(parts, "\n"),
		})
	}
	f.log.Debug().Int("entries", len(entries)).Int("items", len(items)).Msg("Feed polled")
	return items, nil
}

func (f *JSONFeed) entries(body []byte) ([]map[string]interface{}, error) {
	payload := body
	if f.cfg.ListField != "" {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode feed %s envelope: %w", f.cfg.Name, err)
		}
		inner, ok := envelope[f.cfg.ListField]
		if !ok {
			return nil, fmt.Errorf("feed %s response has no %q field", f.cfg.Name, f.cfg.ListField)
		}
		payload = inner
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode feed %s entries: %w", f.cfg.Name, err)
	}
	return entries, nil
}

// stringField renders the JSON value types an entry ID or text field
// realistically arrives as.
func stringField(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
