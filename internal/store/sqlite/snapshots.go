package sqlite

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotRecord is the last persisted view of one task.
type SnapshotRecord struct {
	Plugin    string          `json:"plugin"`
	TaskID    string          `json:"taskId"`
	Status    string          `json:"status"`
	Snapshot  json.RawMessage `json:"snapshot"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (s *Store) SaveSnapshot(ctx context.Context, plugin, taskID, status string, snapshot any) error {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_snapshots (plugin, task_id, status, snapshot_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plugin, task_id) DO UPDATE SET
			status = excluded.status,
			snapshot_json = excluded.snapshot_json,
			updated_at = excluded.updated_at
	`, plugin, taskID, status, string(b), time.Now().UnixMilli())
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, plugin, taskID string) (SnapshotRecord, error) {
	var (
		rec       SnapshotRecord
		raw       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT plugin, task_id, status, snapshot_json, updated_at
		FROM task_snapshots WHERE plugin = ? AND task_id = ?
	`, plugin, taskID).Scan(&rec.Plugin, &rec.TaskID, &rec.Status, &raw, &updatedAt)
	if err != nil {
		return SnapshotRecord{}, err
	}
	rec.Snapshot = json.RawMessage(raw)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

func (s *Store) ListSnapshots(ctx context.Context, plugin string) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin, task_id, status, snapshot_json, updated_at
		FROM task_snapshots WHERE plugin = ?
		ORDER BY updated_at DESC
	`, plugin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var (
			rec       SnapshotRecord
			raw       string
			updatedAt int64
		)
		if err := rows.Scan(&rec.Plugin, &rec.TaskID, &rec.Status, &raw, &updatedAt); err != nil {
			return nil, err
		}
		rec.Snapshot = json.RawMessage(raw)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
