// Package activity is the append-only agent activity log. Writes never fail
// the caller: a missing table is warned about once and further writes are
// dropped, so decision tracing can run against a partially migrated schema.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
)

// EventType classifies an activity entry
type EventType string

const (
	EventTypeDecisionTrace  EventType = "DECISION_TRACE"
	EventTypeAgentLifecycle EventType = "AGENT_LIFECYCLE"
	EventTypeOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventTypeStrategyChange EventType = "STRATEGY_CHANGE"
	EventTypeAlertDispatch  EventType = "ALERT_DISPATCH"
)

// Severity represents the severity level of an activity entry
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is a single activity record.
type Entry struct {
	ID          uuid.UUID              `json:"id"`
	TimestampMs int64                  `json:"timestamp_ms"`
	EventType   EventType              `json:"event_type"`
	Severity    Severity               `json:"severity"`
	Status      string                 `json:"status,omitempty"`
	Agent       string                 `json:"agent"`
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

const undefinedTableCode = "42P01"

// Writer appends entries to agent_activity_logs.
type Writer struct {
	q     db.Querier
	clock clock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	missing bool
}

// NewWriter creates an activity writer. A nil querier disables persistence;
// entries still reach the structured log.
func NewWriter(q db.Querier, c clock.Clock, logger zerolog.Logger) *Writer {
	return &Writer{q: q, clock: c, log: logger.With().Str("component", "activity").Logger()}
}

// Record appends one entry. It never returns an error: persistence problems
// are logged, and an absent table disables further writes after one warning.
// A nil writer drops everything, so agents can run without activity logging.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if w == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.TimestampMs == 0 {
		e.TimestampMs = clock.NowMs(w.clock)
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	logEvent := w.log.With().
		Str("event_type", string(e.EventType)).
		Str("agent", e.Agent).
		Str("action", e.Action).
		Str("status", e.Status).
		Logger()
	switch e.Severity {
	case SeverityCritical, SeverityError:
		logEvent.Error().Msg(e.Description)
	case SeverityWarning:
		logEvent.Warn().Msg(e.Description)
	default:
		logEvent.Info().Msg(e.Description)
	}

	if w.q == nil || w.dropped() {
		return
	}
	if err := w.persist(ctx, &e); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode {
			w.markMissing()
			return
		}
		w.log.Error().Err(err).Str("action", e.Action).Msg("Failed to persist activity entry")
	}
}

func (w *Writer) dropped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.missing
}

func (w *Writer) markMissing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.missing {
		w.missing = true
		w.log.Warn().Msg("agent_activity_logs table missing; dropping activity writes")
	}
}

func (w *Writer) persist(ctx context.Context, e *Entry) error {
	metadataJSON := []byte("{}")
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			w.log.Error().Err(err).Msg("Failed to marshal activity metadata")
		} else {
			metadataJSON = b
		}
	}
	entryJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal activity entry: %w", err)
	}

	searchable := strings.ToLower(strings.TrimSpace(
		e.Agent + " " + e.Action + " " + e.Description))

	query := `
		INSERT INTO agent_activity_logs (
			id, timestamp_ms, event_type, severity, status, agent, action,
			description, metadata_json, entry_json, searchable_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = w.q.Exec(ctx, query,
		e.ID,
		e.TimestampMs,
		e.EventType,
		e.Severity,
		e.Status,
		e.Agent,
		e.Action,
		e.Description,
		metadataJSON,
		entryJSON,
		searchable,
	)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	return nil
}

// Trace records a decision-trace entry correlated by trace id. The pipeline
// calls this at every branch.
func (w *Writer) Trace(ctx context.Context, agent, traceID, action, status, description string, fields map[string]interface{}) {
	metadata := map[string]interface{}{"trace_id": traceID}
	for k, v := range fields {
		metadata[k] = v
	}
	severity := SeverityInfo
	if status == "failed" || status == "blocked" {
		severity = SeverityWarning
	}
	w.Record(ctx, Entry{
		EventType:   EventTypeDecisionTrace,
		Severity:    severity,
		Status:      status,
		Agent:       agent,
		Action:      action,
		Description: description,
		Metadata:    metadata,
	})
}

// Lifecycle records an agent start/stop/failure event.
func (w *Writer) Lifecycle(ctx context.Context, agent, action string, err error) {
	e := Entry{
		EventType: EventTypeAgentLifecycle,
		Status:    "ok",
		Agent:     agent,
		Action:    action,
	}
	if err != nil {
		e.Severity = SeverityError
		e.Status = "failed"
		e.Description = err.Error()
	}
	w.Record(ctx, e)
}

// QueryFilters narrows an activity query; zero values are ignored.
type QueryFilters struct {
	Agent     string
	EventType EventType
	Status    string
	SinceMs   int64
	UntilMs   int64
	Contains  string
	Limit     int
}

// Query retrieves entries matching the filters, newest first.
func (w *Writer) Query(ctx context.Context, filters QueryFilters) ([]Entry, error) {
	if w == nil || w.q == nil {
		return nil, nil
	}

	query := `
		SELECT id, timestamp_ms, event_type, severity, status, agent, action,
		       description, metadata_json
		FROM agent_activity_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	add := func(clause string, v interface{}) {
		query += fmt.Sprintf(" AND %s $%d", clause, argPos)
		args = append(args, v)
		argPos++
	}

	if filters.Agent != "" {
		add("agent =", filters.Agent)
	}
	if filters.EventType != "" {
		add("event_type =", filters.EventType)
	}
	if filters.Status != "" {
		add("status =", filters.Status)
	}
	if filters.SinceMs > 0 {
		add("timestamp_ms >=", filters.SinceMs)
	}
	if filters.UntilMs > 0 {
		add("timestamp_ms <=", filters.UntilMs)
	}
	if filters.Contains != "" {
		add("searchable_text LIKE", "%"+strings.ToLower(filters.Contains)+"%")
	}

	query += " ORDER BY timestamp_ms DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
	}

	rows, err := w.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			metadataJSON []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.TimestampMs,
			&e.EventType,
			&e.Severity,
			&e.Status,
			&e.Agent,
			&e.Action,
			&e.Description,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				w.log.Warn().Err(err).Msg("Failed to unmarshal activity metadata")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
