package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawEvent is a deduplicated ingested news item. The (source, source_id)
// unique index is the dedupe boundary across scout refreshes and restarts.
type RawEvent struct {
	ID        uuid.UUID
	Source    string
	SourceID  string
	Content   string
	CreatedAt time.Time
}

// RawEventRepo persists ingested news events.
type RawEventRepo struct {
	q Querier
}

func NewRawEventRepo(q Querier) *RawEventRepo {
	return &RawEventRepo{q: q}
}

// Insert stores the event unless (source, source_id) was already seen.
// Returns true when a new row was written.
func (r *RawEventRepo) Insert(ctx context.Context, source, sourceID, content string) (bool, error) {
	query := `
		INSERT INTO raw_events (id, source, source_id, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source, source_id) DO NOTHING
	`
	tag, err := r.q.Exec(ctx, query, uuid.New(), source, sourceID, content)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event %s/%s: %w", source, sourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent returns the newest events first.
func (r *RawEventRepo) ListRecent(ctx context.Context, limit int) ([]RawEvent, error) {
	query := `
		SELECT id, source, source_id, content, created_at
		FROM raw_events ORDER BY created_at DESC LIMIT $1
	`
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw events: %w", err)
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var ev RawEvent
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.SourceID, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate raw events: %w", err)
	}
	return out, nil
}
