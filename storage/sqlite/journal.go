package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
)

// Append adds an entry to the journal and assigns its sequence number.
func (s *Store) Append(ctx context.Context, e *record.JournalEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, ex execer, e *record.JournalEntry) error {
	if !e.Op.Valid() {
		return syncErrors.NewValidation(syncErrors.OpJournal, fmt.Errorf("invalid journal op: %q", e.Op))
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO journal (collection, record_id, op, payload, created_at, retries, dead)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Collection, e.RecordID, string(e.Op), string(e.Payload), encodeTime(e.CreatedAt), e.Retries, boolToInt(e.Dead))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	e.Seq = seq
	return nil
}

// PeekBatch returns up to max live entries in creation order, oldest first.
func (s *Store) PeekBatch(ctx context.Context, collection string, max int) ([]*record.JournalEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, record_id, op, payload, created_at, retries, dead
         FROM journal WHERE collection = ? AND dead = 0 ORDER BY seq ASC LIMIT ?`,
		collection, max)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Acknowledge removes confirmed entries in a single transaction so a crash
// never leaves a batch half-acknowledged.
func (s *Store) Acknowledge(ctx context.Context, seqs []int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	defer tx.Rollback()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM journal WHERE seq IN (`+placeholders+`)`, args...); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	return nil
}

// IncrementRetry bumps an entry's retry count and returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, seq int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE journal SET retries = retries + 1 WHERE seq = ?`, seq)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, storage.ErrNotFound
	}

	var retries int
	if err := tx.QueryRowContext(ctx, `SELECT retries FROM journal WHERE seq = ?`, seq).Scan(&retries); err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}

	if err := tx.Commit(); err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	return retries, nil
}

// MarkDead moves an entry to the dead state. Dead entries are excluded from
// batches and never retried; they remain until explicitly inspected.
func (s *Store) MarkDead(ctx context.Context, seq int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE journal SET dead = 1 WHERE seq = ?`, seq)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeadEntries lists dead entries for a collection.
func (s *Store) DeadEntries(ctx context.Context, collection string) ([]*record.JournalEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, record_id, op, payload, created_at, retries, dead
         FROM journal WHERE collection = ? AND dead = 1 ORDER BY seq ASC`, collection)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// PendingCount returns the number of live entries for a collection.
func (s *Store) PendingCount(ctx context.Context, collection string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal WHERE collection = ? AND dead = 0`, collection).Scan(&n)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	return n, nil
}

// DropForRecord removes all live entries for one record.
func (s *Store) DropForRecord(ctx context.Context, collection, recordID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM journal WHERE collection = ? AND record_id = ? AND dead = 0`, collection, recordID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	return nil
}

// PendingCollections lists collections with at least one live entry.
func (s *Store) PendingCollections(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM journal WHERE dead = 0 ORDER BY collection`)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, "storage/sqlite")
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*record.JournalEntry, error) {
	var entries []*record.JournalEntry
	for rows.Next() {
		var (
			e         record.JournalEntry
			op        string
			payload   string
			createdAt string
			dead      int
		)
		if err := rows.Scan(&e.Seq, &e.Collection, &e.RecordID, &op, &payload, &createdAt, &e.Retries, &dead); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Op = record.OpKind(op)
		e.Payload = []byte(payload)
		e.CreatedAt = decodeTime(createdAt)
		e.Dead = dead == 1
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during journal row iteration: %w", err)
	}
	return entries, nil
}
