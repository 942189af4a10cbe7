// Package resolve applies resolution strategies to materialized conflicts.
// A resolution rewrites the local store and journal so the next sync cycle
// carries the chosen outcome; the conflict itself is removed, unblocking
// push and pull for the record.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/logging"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyKeepLocal re-pushes the local snapshot as an update,
	// overriding the remote change.
	StrategyKeepLocal Strategy = "keep-local"

	// StrategyKeepRemote discards local changes and adopts the remote
	// snapshot; the record's pending journal entries are dropped.
	StrategyKeepRemote Strategy = "keep-remote"

	// StrategyFieldMerge takes a field-level union favoring the most
	// recently modified side per field. Requires per-field timestamps on
	// both snapshots; fails closed otherwise.
	StrategyFieldMerge Strategy = "field-merge"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyKeepLocal, StrategyKeepRemote, StrategyFieldMerge:
		return true
	}
	return false
}

// ErrMergeUnavailable is returned when field-merge cannot decide a field
// because one side lacks a modification timestamp. The caller must fall back
// to an explicit keep-local or keep-remote choice.
var ErrMergeUnavailable = errors.New("field-merge unavailable: per-field timestamps missing, explicit choice required")

// Resolver applies strategies to persisted conflicts.
type Resolver struct {
	store  storage.Store
	logger *logging.Logger
}

// New creates a resolver over the store holding records, journal, and
// conflicts.
func New(store storage.Store) *Resolver {
	return &Resolver{
		store:  store,
		logger: logging.WithComponent(logging.Component("resolver")),
	}
}

// Resolve applies the strategy to the conflict and returns the reconciled
// record. The conflict is deleted on success; the record is unblocked for
// the next sync cycle.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy Strategy) (*record.Record, error) {
	if !strategy.Valid() {
		return nil, syncErrors.NewValidation(syncErrors.OpResolve,
			fmt.Errorf("unknown strategy %q", strategy))
	}

	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.State != record.ConflictUnresolved {
		return nil, syncErrors.NewValidation(syncErrors.OpResolve,
			fmt.Errorf("conflict %s already resolved as %s", c.ID, c.State))
	}

	var resolved *record.Record
	switch strategy {
	case StrategyKeepLocal:
		resolved, err = r.keepLocal(ctx, c)
	case StrategyKeepRemote:
		resolved, err = r.keepRemote(ctx, c)
	case StrategyFieldMerge:
		resolved, err = r.fieldMerge(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	if err := r.store.DeleteConflict(ctx, c.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		slog.String("conflict_id", c.ID),
		slog.String("collection", c.Collection),
		slog.String("record_id", c.RecordID),
		slog.String("strategy", string(strategy)),
	)
	return resolved, nil
}

// keepLocal rebases the current local record onto the remote version so the
// re-pushed update wins the conditional write, then journals it.
func (r *Resolver) keepLocal(ctx context.Context, c *record.Conflict) (*record.Record, error) {
	local, err := r.store.Get(ctx, c.Collection, c.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		// The record vanished locally since detection; fall back to the
		// snapshot captured with the conflict.
		local = c.Local.Clone()
	} else if err != nil {
		return nil, err
	}

	local.RemoteVersion = c.Remote.Version
	local.SyncedVersion = c.Remote.Version
	local.Dirty = true
	if err := r.store.Put(ctx, local); err != nil {
		return nil, err
	}

	// Pending entries for this record carry pre-rebase sync points; replace
	// them with one update against the remote version we are overriding.
	if err := r.store.DropForRecord(ctx, c.Collection, c.RecordID); err != nil {
		return nil, err
	}
	op := record.OpUpdate
	if local.Deleted {
		op = record.OpDelete
	}
	entry, err := record.NewJournalEntry(op, local)
	if err != nil {
		return nil, err
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	return local, nil
}

// keepRemote adopts the remote snapshot, clears the dirty state, and drops
// the record's pending journal entries.
func (r *Resolver) keepRemote(ctx context.Context, c *record.Conflict) (*record.Record, error) {
	if err := r.store.DropForRecord(ctx, c.Collection, c.RecordID); err != nil {
		return nil, err
	}

	adopted := record.FromDocument(c.Remote)
	if err := r.store.Put(ctx, adopted); err != nil {
		return nil, err
	}
	if c.Remote.Deleted {
		// MarkSynced removes the row for a confirmed delete.
		if err := r.store.MarkSynced(ctx, c.Collection, c.RecordID, c.Remote.Version); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return adopted, nil
}

// fieldMerge unions the two snapshots field by field, most recent side wins.
// Any differing field without a timestamp on both sides fails the merge
// closed.
func (r *Resolver) fieldMerge(ctx context.Context, c *record.Conflict) (*record.Record, error) {
	merged, err := MergeFields(&c.Local, c.Remote)
	if err != nil {
		return nil, err
	}

	local := c.Local.Clone()
	local.Fields = merged
	local.RemoteVersion = c.Remote.Version
	local.SyncedVersion = c.Remote.Version
	local.Dirty = true
	local.Touch()

	if err := r.store.Put(ctx, local); err != nil {
		return nil, err
	}
	if err := r.store.DropForRecord(ctx, c.Collection, c.RecordID); err != nil {
		return nil, err
	}
	entry, err := record.NewJournalEntry(record.OpUpdate, local)
	if err != nil {
		return nil, err
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	return local, nil
}

// MergeFields computes the field-level union of the local and remote
// snapshots. For each field present on both sides with different values, the
// side with the newer per-field timestamp wins; a differing field missing a
// timestamp on either side returns ErrMergeUnavailable.
func MergeFields(local *record.Record, remote record.Document) (map[string]any, error) {
	merged := make(map[string]any, len(local.Fields)+len(remote.Fields))
	for k, v := range remote.Fields {
		merged[k] = v
	}

	for k, lv := range local.Fields {
		rv, onRemote := remote.Fields[k]
		if !onRemote {
			merged[k] = lv
			continue
		}
		if record.FieldsEqual(map[string]any{"v": lv}, map[string]any{"v": rv}) {
			continue
		}

		lt, lok := local.FieldTimes[k]
		rt, rok := remote.FieldTimes[k]
		if !lok || !rok {
			return nil, ErrMergeUnavailable
		}
		if lt.After(rt) {
			merged[k] = lv
		}
	}
	return merged, nil
}
