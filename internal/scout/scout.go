// Package scout implements the data scout agent. On each alarm it pulls
// the configured news feeds, stores unseen items through the raw-events
// dedupe boundary, and aggregates per-symbol sentiment signals the
// analyst consumes. A refresh that stored at least one new item
// publishes signals_updated.
package scout

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/feeds"
	"github.com/tradehive/tradehive/internal/ident"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Command topics served by the scout.
const (
	TopicGetSignals = "get_signals"
	TopicRefresh    = "refresh"
)

// Signal is the aggregated view of one symbol across the latest batch
// of stored items.
type Signal struct {
	Symbol    string   `json:"symbol"`
	Sentiment float64  `json:"sentiment"`
	Volume    int      `json:"volume"`
	Sources   []string `json:"sources"`
}

// SignalsResponse answers get_signals.
type SignalsResponse struct {
	Signals []Signal `json:"signals"`
}

// RefreshResult answers a refresh command.
type RefreshResult struct {
	NewItems int `json:"new_items"`
	Symbols  int `json:"symbols"`
}

// Publisher is the slice of the coordinator the scout needs.
type Publisher interface {
	Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error)
}

// Config tunes the scout.
type Config struct {
	// RefreshInterval is the minimum time between alarm-driven
	// refreshes; explicit refresh commands ignore it.
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	return c
}

// state is the persisted envelope.
type state struct {
	Signals       map[string]Signal `json:"signals"`
	LastRefreshMs int64             `json:"last_refresh_ms"`
	ItemsStored   int64             `json:"items_stored_total"`
	Refreshes     int64             `json:"refreshes"`
}

// Scout is the data scout agent. All methods run on its host actor.
type Scout struct {
	id       swarm.AgentID
	cfg      Config
	poller   *feeds.Poller
	events   *db.RawEventRepo
	store    swarm.StateStore
	pub      Publisher
	clk      clock.Clock
	activity *activity.Writer
	log      zerolog.Logger

	st state
}

// New builds the scout agent.
func New(cfg Config, poller *feeds.Poller, events *db.RawEventRepo, store swarm.StateStore, pub Publisher, clk clock.Clock, act *activity.Writer, logger zerolog.Logger) *Scout {
	id := swarm.NewAgentID(swarm.TypeScout)
	return &Scout{
		id:       id,
		cfg:      cfg.withDefaults(),
		poller:   poller,
		events:   events,
		store:    store,
		pub:      pub,
		clk:      clk,
		activity: act,
		log:      logger.With().Str("agent", id.String()).Logger(),
		st:       state{Signals: map[string]Signal{}},
	}
}

func (s *Scout) ID() swarm.AgentID      { return s.id }
func (s *Scout) Capabilities() []string { return []string{"signals"} }

// OnStart loads the persisted signal set so a restart does not blank
// the analyst's inputs until the next refresh.
func (s *Scout) OnStart(ctx context.Context) error {
	found, err := s.store.Load(ctx, &s.st)
	if err != nil {
		return err
	}
	if !found {
		s.st = state{Signals: map[string]Signal{}}
		return nil
	}
	if s.st.Signals == nil {
		s.st.Signals = map[string]Signal{}
	}
	s.log.Info().Int("signals", len(s.st.Signals)).Msg("Scout state restored")
	return nil
}

// OnAlarm refreshes when the configured interval has elapsed.
func (s *Scout) OnAlarm(ctx context.Context) error {
	if clock.NowMs(s.clk)-s.st.LastRefreshMs < s.cfg.RefreshInterval.Milliseconds() {
		return nil
	}
	_, err := s.Refresh(ctx)
	return err
}

// HandleMessage serves the scout's command surface; events are acked
// and dropped.
func (s *Scout) HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	switch msg.Topic {
	case TopicGetSignals:
		return SignalsResponse{Signals: s.signalList()}, nil
	case TopicRefresh:
		return s.Refresh(ctx)
	default:
		if msg.Type == swarm.MessageCommand {
			return nil, faults.New(faults.NotFound, "scout has no %q operation", msg.Topic)
		}
		return swarm.Ack{Ack: true}, nil
	}
}

// Snapshot renders the scout's state for the diagnostic API.
func (s *Scout) Snapshot() interface{} {
	return struct {
		Signals       []Signal `json:"signals"`
		LastRefreshMs int64    `json:"last_refresh_ms"`
		ItemsStored   int64    `json:"items_stored_total"`
		Refreshes     int64    `json:"refreshes"`
	}{s.signalList(), s.st.LastRefreshMs, s.st.ItemsStored, s.st.Refreshes}
}

// Refresh polls every feed, stores unseen items, and rebuilds the
// signal set from what this refresh stored. A refresh with nothing new
// leaves the previous signals in place.
func (s *Scout) Refresh(ctx context.Context) (RefreshResult, error) {
	traceID := ident.MessageID("refresh")
	items, pollErrs := s.poller.Poll(ctx)

	var fresh []feeds.Item
	for _, item := range items {
		inserted, err := s.events.Insert(ctx, item.Source, item.SourceID, item.Content)
		if err != nil {
			s.log.Warn().Err(err).Str("source", item.Source).Msg("Failed to store feed item")
			continue
		}
		if inserted {
			fresh = append(fresh, item)
		}
	}

	nowMs := clock.NowMs(s.clk)
	s.st.LastRefreshMs = nowMs
	s.st.Refreshes++
	if len(fresh) > 0 {
		s.st.Signals = aggregate(fresh)
		s.st.ItemsStored += int64(len(fresh))
	}
	if err := s.store.Save(ctx, &s.st); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist scout state")
	}

	status := "ok"
	if len(pollErrs) > 0 && len(items) == 0 {
		status = "failed"
	}
	s.activity.Trace(ctx, s.id.String(), traceID, "refresh", status, "news refresh", map[string]interface{}{
		"polled":       len(items),
		"new_items":    len(fresh),
		"symbols":      len(s.st.Signals),
		"feed_errors":  len(pollErrs),
		"refreshed_at": nowMs,
	})

	if len(fresh) > 0 {
		payload := struct {
			Symbols       int   `json:"symbols"`
			NewItems      int   `json:"new_items"`
			RefreshedAtMs int64 `json:"refreshed_at_ms"`
		}{len(s.st.Signals), len(fresh), nowMs}
		if _, err := s.pub.Publish(ctx, s.id, swarm.TopicSignalsUpdated, payload); err != nil {
			s.log.Warn().Err(err).Msg("Failed to publish signals_updated")
		}
	}

	s.log.Info().
		Int("polled", len(items)).
		Int("new_items", len(fresh)).
		Int("symbols", len(s.st.Signals)).
		Int("feed_errors", len(pollErrs)).
		Msg("Signals refreshed")
	return RefreshResult{NewItems: len(fresh), Symbols: len(s.st.Signals)}, nil
}

// signalList renders the signal map sorted by symbol.
func (s *Scout) signalList() []Signal {
	out := make([]Signal, 0, len(s.st.Signals))
	for _, sig := range s.st.Signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// aggregate folds stored items into per-symbol signals: sentiment is
// the mean item score, volume the mention count.
func aggregate(items []feeds.Item) map[string]Signal {
	type acc struct {
		total   float64
		n       int
		sources map[string]struct{}
	}
	accs := map[string]*acc{}
	for _, item := range items {
		symbols := ExtractCashtags(item.Content)
		if len(symbols) == 0 {
			continue
		}
		score := Score(item.Content)
		for _, sym := range symbols {
			a := accs[sym]
			if a == nil {
				a = &acc{sources: map[string]struct{}{}}
				accs[sym] = a
			}
			a.total += score
			a.n++
			a.sources[item.Source] = struct{}{}
		}
	}

	out := make(map[string]Signal, len(accs))
	for sym, a := range accs {
		sources := make([]string, 0, len(a.sources))
		for src := range a.sources {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		out[sym] = Signal{
			Symbol:    sym,
			Sentiment: a.total / float64(a.n),
			Volume:    a.n,
			Sources:   sources,
		}
	}
	return out
}

// DecodeSignals parses a get_signals response payload.
func DecodeSignals(raw json.RawMessage) ([]Signal, error) {
	var resp SignalsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "decode signals response")
	}
	return resp.Signals, nil
}
