// Package repo is the facade the UI/service layer talks to. One generic
// sync-aware repository per collection replaces per-entity service classes:
// every mutation lands in the local store and the change journal, and the
// engine reconciles with the remote in the background. Callers never branch
// on connectivity; the local store is always available.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/resolve"
	"github.com/medirec/offsync/storage"
)

// Trigger is the slice of the engine the repository needs: kick off a
// background cycle for its collection.
type Trigger interface {
	TriggerSync(collection string)
	Register(collection string)
}

// Collection is a sync-aware repository bound to one record kind.
type Collection struct {
	name       string
	facilityID string
	store      storage.Store
	resolver   *resolve.Resolver
	trigger    Trigger
}

// New binds a repository to a collection name. The trigger may be nil when
// sync runs on an external schedule only.
func New(name, facilityID string, store storage.Store, resolver *resolve.Resolver, trigger Trigger) *Collection {
	if trigger != nil {
		trigger.Register(name)
	}
	return &Collection{
		name:       name,
		facilityID: facilityID,
		store:      store,
		resolver:   resolver,
		trigger:    trigger,
	}
}

// Name returns the bound collection name.
func (c *Collection) Name() string { return c.name }

// CreateLocal creates a record with a fresh client-generated id, journals
// the create, and returns the record. Works identically on- and offline.
func (c *Collection) CreateLocal(ctx context.Context, fields map[string]any) (*record.Record, error) {
	r := record.New(c.name, c.facilityID, fields)
	if len(fields) > 0 {
		r.FieldTimes = make(map[string]time.Time, len(fields))
		for f := range fields {
			r.FieldTimes[f] = r.UpdatedAt
		}
	}

	if err := c.mutate(ctx, record.OpCreate, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateLocal applies field changes to an existing record and journals the
// update. Only the passed fields change; others keep their values and
// per-field timestamps.
func (c *Collection) UpdateLocal(ctx context.Context, id string, fields map[string]any) (*record.Record, error) {
	r, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return nil, err
	}
	if r.Corrupt {
		return nil, syncErrors.NewCorruption(syncErrors.OpStore,
			fmt.Errorf("record %s is flagged corrupt, refusing update", id))
	}

	if r.Fields == nil {
		r.Fields = make(map[string]any, len(fields))
	}
	changed := make([]string, 0, len(fields))
	for k, v := range fields {
		r.Fields[k] = v
		changed = append(changed, k)
	}
	r.Touch(changed...)

	if err := c.mutate(ctx, record.OpUpdate, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteLocal soft-deletes the record pending remote confirmation.
func (c *Collection) DeleteLocal(ctx context.Context, id string) error {
	r, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return err
	}

	r.Deleted = true
	r.Touch()
	return c.mutate(ctx, record.OpDelete, r)
}

// Get returns one record by id.
func (c *Collection) Get(ctx context.Context, id string) (*record.Record, error) {
	return c.store.Get(ctx, c.name, id)
}

// List queries the collection. Soft-deleted records are excluded unless the
// query opts in.
func (c *Collection) List(ctx context.Context, q storage.Query) ([]*record.Record, error) {
	if q.FacilityID == "" {
		q.FacilityID = c.facilityID
	}
	return c.store.Query(ctx, c.name, q)
}

// ListConflicts returns the collection's unresolved conflicts.
func (c *Collection) ListConflicts(ctx context.Context) ([]*record.Conflict, error) {
	return c.store.ListConflicts(ctx, c.name)
}

// ResolveConflict applies a strategy to one conflict and nudges the engine
// so the outcome ships promptly.
func (c *Collection) ResolveConflict(ctx context.Context, conflictID string, strategy resolve.Strategy) (*record.Record, error) {
	if c.resolver == nil {
		return nil, errors.New("no resolver configured")
	}
	r, err := c.resolver.Resolve(ctx, conflictID, strategy)
	if err != nil {
		return nil, err
	}
	c.TriggerSync()
	return r, nil
}

// DeadEntries lists journal entries that hit the retry ceiling. The UI is
// responsible for presenting them; the core never discards them.
func (c *Collection) DeadEntries(ctx context.Context) ([]*record.JournalEntry, error) {
	return c.store.DeadEntries(ctx, c.name)
}

// PendingCount reports how many mutations await remote confirmation.
func (c *Collection) PendingCount(ctx context.Context) (int, error) {
	return c.store.PendingCount(ctx, c.name)
}

// TriggerSync requests a background cycle for this collection.
func (c *Collection) TriggerSync() {
	if c.trigger != nil {
		c.trigger.TriggerSync(c.name)
	}
}

// mutate writes the record row and its journal entry as one transaction, so
// an interrupted mutation never leaves a dirty record with nothing to push.
func (c *Collection) mutate(ctx context.Context, op record.OpKind, r *record.Record) error {
	entry, err := record.NewJournalEntry(op, r)
	if err != nil {
		return err
	}
	return c.store.PutJournaled(ctx, r, entry)
}
