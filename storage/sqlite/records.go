package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
)

// Put upserts a record. The write is atomic: a single statement replaces the
// whole row, which gives last-writer-wins at the store level.
func (s *Store) Put(ctx context.Context, r *record.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return putRecord(ctx, s.db, r)
}

// PutJournaled upserts the record and appends its journal entry in a single
// transaction. A crash cannot leave a dirty record without the pending entry
// that carries its change.
func (s *Store) PutJournaled(ctx context.Context, r *record.Record, e *record.JournalEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	defer tx.Rollback()

	if err := putRecord(ctx, tx, r); err != nil {
		return err
	}
	if err := appendEntry(ctx, tx, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

func putRecord(ctx context.Context, ex execer, r *record.Record) error {
	if r.Collection == "" || r.ID == "" {
		return syncErrors.NewValidation(syncErrors.OpStore, fmt.Errorf("record requires collection and id"))
	}

	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	var fieldTimesJSON []byte
	if r.FieldTimes != nil {
		fieldTimesJSON, err = json.Marshal(r.FieldTimes)
		if err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
		}
	}

	query := `INSERT OR REPLACE INTO records
        (collection, id, facility_id, fields, field_times, local_version, remote_version, synced_version, updated_at, dirty, deleted, corrupt)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = ex.ExecContext(ctx, query,
		r.Collection, r.ID, r.FacilityID,
		string(fieldsJSON), nullableString(fieldTimesJSON),
		r.LocalVersion, r.RemoteVersion, r.SyncedVersion,
		encodeTime(r.UpdatedAt), boolToInt(r.Dirty), boolToInt(r.Deleted), boolToInt(r.Corrupt))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// Get retrieves one record. Returns storage.ErrNotFound when absent. A record
// whose stored fields no longer decode is returned with Corrupt set and is
// flagged in place for manual inspection; it is never silently dropped.
func (s *Store) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := recordColumns + ` FROM records WHERE collection = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, query, collection, id)

	r, err := s.scanRecord(ctx, row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return r, nil
}

// Query lists records for a collection. Soft-deleted records are excluded
// unless the query opts in.
func (s *Store) Query(ctx context.Context, collection string, q storage.Query) ([]*record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := recordColumns + ` FROM records WHERE collection = ?`
	args := []any{collection}

	if !q.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if q.DirtyOnly {
		query += ` AND dirty = 1`
	}
	if q.FacilityID != "" {
		query += ` AND facility_id = ?`
		args = append(args, q.FacilityID)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		r, err := s.scanRecord(ctx, rows.Scan)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return records, nil
}

// MarkDirty sets the dirty flag on a record.
func (s *Store) MarkDirty(ctx context.Context, collection, id string) error {
	return s.setRecordFlag(ctx, collection, id, `dirty = 1`)
}

// MarkDeleted soft-deletes a record pending remote confirmation.
func (s *Store) MarkDeleted(ctx context.Context, collection, id string) error {
	return s.setRecordFlag(ctx, collection, id, `deleted = 1, dirty = 1`)
}

// FlagCorrupt marks a record for manual inspection.
func (s *Store) FlagCorrupt(ctx context.Context, collection, id string) error {
	return s.setRecordFlag(ctx, collection, id, `corrupt = 1`)
}

func (s *Store) setRecordFlag(ctx context.Context, collection, id, set string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET `+set+` WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSynced records remote confirmation: the dirty flag is cleared and the
// confirmed remote version becomes the record's new sync point. A confirmed
// soft delete removes the row entirely.
func (s *Store) MarkSynced(ctx context.Context, collection, id string, remoteVersion int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	defer tx.Rollback()

	var deleted int
	err = tx.QueryRowContext(ctx,
		`SELECT deleted FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&deleted)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	if deleted == 1 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET dirty = 0, remote_version = ?, synced_version = ? WHERE collection = ? AND id = ?`,
			remoteVersion, remoteVersion, collection, id)
	}
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

const recordColumns = `SELECT collection, id, facility_id, fields, field_times, local_version, remote_version, synced_version, updated_at, dirty, deleted, corrupt`

// scanRecord decodes one row. A fields decode failure flags the record as
// corrupt in place and returns it with Corrupt set and empty fields.
func (s *Store) scanRecord(ctx context.Context, scan func(...any) error) (*record.Record, error) {
	var (
		r          record.Record
		fields     sql.NullString
		fieldTimes sql.NullString
		updatedAt  string
		dirty      int
		deleted    int
		corrupt    int
	)
	if err := scan(&r.Collection, &r.ID, &r.FacilityID, &fields, &fieldTimes,
		&r.LocalVersion, &r.RemoteVersion, &r.SyncedVersion, &updatedAt, &dirty, &deleted, &corrupt); err != nil {
		return nil, err
	}

	r.UpdatedAt = decodeTime(updatedAt)
	r.Dirty = dirty == 1
	r.Deleted = deleted == 1
	r.Corrupt = corrupt == 1

	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &r.Fields); err != nil {
			s.logger.ErrorContext(ctx, "record payload failed to decode, flagging corrupt",
				slog.String("collection", r.Collection),
				slog.String("record_id", r.ID),
				slog.String("error", err.Error()),
			)
			r.Corrupt = true
			r.Fields = nil
			// Flag in place; the scan itself still succeeds so the caller
			// can surface the record.
			_, _ = s.db.ExecContext(ctx,
				`UPDATE records SET corrupt = 1 WHERE collection = ? AND id = ?`, r.Collection, r.ID)
			return &r, nil
		}
	}
	if fieldTimes.Valid && fieldTimes.String != "" {
		_ = json.Unmarshal([]byte(fieldTimes.String), &r.FieldTimes)
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
