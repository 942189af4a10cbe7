// Package storage defines the persistence contracts consumed by the sync
// engine: the local record store, the change journal, the cursor store, and
// the conflict store. Implementations can use any durable backend; the
// journal and cursors must survive process restarts.
package storage

import (
	"context"
	"errors"

	"github.com/medirec/offsync/cursor"
	"github.com/medirec/offsync/record"
)

// ErrNotFound is returned when a record, entry, or conflict does not exist.
var ErrNotFound = errors.New("not found")

// Query filters and paginates a LocalStore query.
type Query struct {
	// FacilityID restricts results to one facility/tenant when non-empty.
	FacilityID string

	// IncludeDeleted opts in to soft-deleted records, excluded by default.
	IncludeDeleted bool

	// DirtyOnly restricts results to records with unacknowledged changes.
	DirtyOnly bool

	Limit  int
	Offset int
}

// LocalStore is durable keyed storage for domain records. All writes are
// atomic per record; concurrent writers to the same record id are serialized
// with last-writer-wins semantics. Conflict detection happens in the sync
// engine, not here.
type LocalStore interface {
	Put(ctx context.Context, r *record.Record) error
	Get(ctx context.Context, collection, id string) (*record.Record, error)
	Query(ctx context.Context, collection string, q Query) ([]*record.Record, error)
	MarkDirty(ctx context.Context, collection, id string) error
	MarkDeleted(ctx context.Context, collection, id string) error

	// MarkSynced clears the dirty flag and records the remote version the
	// record was confirmed at.
	MarkSynced(ctx context.Context, collection, id string, remoteVersion int64) error

	// FlagCorrupt marks a record for manual inspection after a decode failure.
	FlagCorrupt(ctx context.Context, collection, id string) error
}

// Journal is the ordered log of pending mutations not yet confirmed by the
// remote store. Entries are removed only on positive remote confirmation.
type Journal interface {
	// Append adds an entry and assigns its sequence number.
	Append(ctx context.Context, e *record.JournalEntry) error

	// PeekBatch returns up to max live entries for the collection in
	// creation order, oldest first. Dead entries are excluded.
	PeekBatch(ctx context.Context, collection string, max int) ([]*record.JournalEntry, error)

	// Acknowledge removes confirmed entries.
	Acknowledge(ctx context.Context, seqs []int64) error

	// IncrementRetry bumps an entry's retry count and returns the new count.
	IncrementRetry(ctx context.Context, seq int64) (int, error)

	// MarkDead moves an entry to the dead state; it will never be retried.
	MarkDead(ctx context.Context, seq int64) error

	DeadEntries(ctx context.Context, collection string) ([]*record.JournalEntry, error)
	PendingCount(ctx context.Context, collection string) (int, error)

	// DropForRecord removes all live entries for one record. Used when a
	// conflict is resolved by adopting the remote snapshot.
	DropForRecord(ctx context.Context, collection, recordID string) error

	// PendingCollections lists collections with at least one live entry.
	PendingCollections(ctx context.Context) ([]string, error)
}

// CursorStore persists the per-collection pull watermark. The cursor is saved
// only after a pull batch has been fully applied.
type CursorStore interface {
	LoadCursor(ctx context.Context, collection string) (cursor.Cursor, error)
	SaveCursor(ctx context.Context, collection string, c cursor.Cursor) error
}

// ConflictStore persists materialized conflicts so unresolved user data
// survives restarts. Resolved conflicts are removed.
type ConflictStore interface {
	SaveConflict(ctx context.Context, c *record.Conflict) error
	GetConflict(ctx context.Context, id string) (*record.Conflict, error)

	// ListConflicts returns unresolved conflicts; empty collection means all.
	ListConflicts(ctx context.Context, collection string) ([]*record.Conflict, error)

	// HasUnresolved reports whether the record has a pending conflict.
	HasUnresolved(ctx context.Context, collection, recordID string) (bool, error)

	// UnresolvedFor returns the record's pending conflict, or ErrNotFound.
	UnresolvedFor(ctx context.Context, collection, recordID string) (*record.Conflict, error)

	// DeleteConflict removes a conflict after resolution.
	DeleteConflict(ctx context.Context, id string) error
}

// Store combines the four persistence contracts over one durable backend.
type Store interface {
	LocalStore
	Journal
	CursorStore
	ConflictStore

	// PutJournaled upserts the record and appends its journal entry in one
	// transaction, so a crash can never leave a dirty record without the
	// pending entry that carries its change.
	PutJournaled(ctx context.Context, r *record.Record, e *record.JournalEntry) error

	Close() error
}
