package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rogers-f/taskengine/internal/domain"
)

// EventRepo handles persistence for the append-only event log.
type EventRepo struct{}

// Append inserts an event.
func (r *EventRepo) Append(ctx context.Context, q querier, ev domain.Event) error {
	if ev.PayloadJSON == "" {
		ev.PayloadJSON = "{}"
	}
	const stmt = `INSERT INTO events (task_id, actor, event_type, payload_json, trace_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, ev.TaskID, ev.Actor, ev.Type, ev.PayloadJSON, ev.TraceID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventFilter narrows List results.
type EventFilter struct {
	TaskID   string
	Types    []string
	SinceSeq int64
	Limit    int
}

// List returns events with sequence numbers greater than SinceSeq, ascending.
func (r *EventRepo) List(ctx context.Context, q querier, f EventFilter) ([]domain.Event, error) {
	where := []string{"seq > ?"}
	args := []any{f.SinceSeq}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if len(f.Types) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query := `SELECT seq, task_id, actor, event_type, payload_json, trace_id, created_at FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.Actor, &e.Type, &e.PayloadJSON, &e.TraceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
