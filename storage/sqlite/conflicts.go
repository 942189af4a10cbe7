package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
)

// SaveConflict persists a materialized conflict.
func (s *Store) SaveConflict(ctx context.Context, c *record.Conflict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conflicts (id, collection, record_id, local, remote, detected_at, state)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Collection, c.RecordID, string(localJSON), string(remoteJSON),
		encodeTime(c.DetectedAt), string(c.State))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// GetConflict retrieves one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*record.Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, collection, record_id, local, remote, detected_at, state
         FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return c, nil
}

// ListConflicts returns unresolved conflicts; empty collection means all.
func (s *Store) ListConflicts(ctx context.Context, collection string) ([]*record.Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, collection, record_id, local, remote, detected_at, state
              FROM conflicts WHERE state = ?`
	args := []any{string(record.ConflictUnresolved)}
	if collection != "" {
		query += ` AND collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY detected_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	var conflicts []*record.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// HasUnresolved reports whether the record has a pending conflict.
func (s *Store) HasUnresolved(ctx context.Context, collection, recordID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE collection = ? AND record_id = ? AND state = ?`,
		collection, recordID, string(record.ConflictUnresolved)).Scan(&n)
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return n > 0, nil
}

// UnresolvedFor returns the record's pending conflict, or ErrNotFound.
func (s *Store) UnresolvedFor(ctx context.Context, collection, recordID string) (*record.Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, collection, record_id, local, remote, detected_at, state
         FROM conflicts WHERE collection = ? AND record_id = ? AND state = ?
         ORDER BY detected_at DESC LIMIT 1`,
		collection, recordID, string(record.ConflictUnresolved))

	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return c, nil
}

// DeleteConflict removes a conflict after resolution.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanConflict(scan func(...any) error) (*record.Conflict, error) {
	var (
		c          record.Conflict
		localJSON  string
		remoteJSON string
		detectedAt string
		state      string
	)
	if err := scan(&c.ID, &c.Collection, &c.RecordID, &localJSON, &remoteJSON, &detectedAt, &state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(remoteJSON), &c.Remote); err != nil {
		return nil, err
	}
	c.DetectedAt = decodeTime(detectedAt)
	c.State = record.ConflictState(state)
	return &c, nil
}
