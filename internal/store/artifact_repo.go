package store

import (
	"context"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// ArtifactRepo handles persistence for artifacts produced per phase.
type ArtifactRepo struct{}

// Save records an artifact, replacing the reference of an existing one with
// the same task, phase and kind.
func (r *ArtifactRepo) Save(ctx context.Context, q querier, a domain.Artifact) error {
	const stmt = `INSERT INTO artifacts (task_id, phase, kind, ref, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_id, phase, kind) DO UPDATE SET ref = excluded.ref, created_at = excluded.created_at`
	_, err := q.ExecContext(ctx, stmt, a.TaskID, string(a.Phase), a.Kind, a.Ref, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// List returns the artifacts of a task for one phase.
func (r *ArtifactRepo) List(ctx context.Context, q querier, taskID string, phase domain.Phase) ([]domain.Artifact, error) {
	const query = `SELECT id, task_id, phase, kind, ref, created_at FROM artifacts
WHERE task_id = ? AND phase = ? ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, query, taskID, string(phase))
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var p string
		if err := rows.Scan(&a.ID, &a.TaskID, &p, &a.Kind, &a.Ref, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Phase = domain.Phase(p)
		out = append(out, a)
	}
	return out, rows.Err()
}
