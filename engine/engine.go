// Package engine drives the reconciliation protocol: it pushes journal
// entries to the remote store, pulls remote changes behind the cursor,
// detects conflicts, and reports a structured summary per cycle. Cycles for
// the same collection are mutually exclusive; a trigger that arrives while a
// cycle is in flight coalesces into one follow-up run.
package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	stdSync "sync"
	"time"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/logging"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/transport"
)

var (
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = stderrors.New("engine is closed")

	// ErrCycleInFlight is returned when a cycle for the collection is already
	// running. The engine records the trigger and runs once more after the
	// current cycle completes.
	ErrCycleInFlight = stderrors.New("sync cycle already in flight")

	// errEscalated marks a push that turned into a conflict. Not a failure:
	// the entry stays journaled and the record is blocked until resolution.
	errEscalated = stderrors.New("push escalated to conflict")
)

// Config bounds one reconciliation cycle.
type Config struct {
	// BatchSize caps the journal batch taken per push phase. Default 50.
	BatchSize int

	// PullLimit caps the page size of a pull request. Default 100.
	PullLimit int

	// MaxPullPages caps how many pages one cycle drains. Default 10; the
	// next cycle continues from the saved cursor.
	MaxPullPages int

	// MaxRetries is the dead-entry ceiling: an entry failing this many
	// attempts is marked dead and never retried. Default 5.
	MaxRetries int

	// CycleTimeout bounds cycles started by TriggerSync. Default 30s.
	CycleTimeout time.Duration

	// StaleAfter marks a collection's cursor stale when no cycle has
	// completed within this window. Default 5m.
	StaleAfter time.Duration

	// Backoff gates the push phase after retryable failures.
	Backoff BackoffStrategy
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 100
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
}

// Summary reports the outcome of one reconciliation cycle. The engine never
// returns an error out of a running cycle; per-entry failures are collected
// here instead.
type Summary struct {
	Collection string

	// Pushed counts journal entries confirmed by the remote.
	Pushed int

	// Pulled counts remote changes applied to the local store.
	Pulled int

	// Conflicts counts conflicts raised during this cycle.
	Conflicts int

	// Dead counts entries that hit the retry ceiling during this cycle.
	Dead int

	// Blocked counts entries and remote changes skipped because their record
	// has an unresolved conflict.
	Blocked int

	// Errors holds per-entry failures (transient, validation, permission).
	Errors []error

	StartTime time.Time
	Duration  time.Duration
}

type collectionState struct {
	running bool
	rerun   bool

	// attempt counts consecutive push phases with retryable failures; it
	// shapes the backoff gate and resets on a clean push.
	attempt    int
	retryAfter time.Time

	lastCycle time.Time
}

// Engine orchestrates reconciliation between the local store and the remote
// document store.
type Engine struct {
	store  storage.Store
	remote transport.RemoteStore
	cfg    Config
	bus    *Bus
	logger *logging.Logger

	mu          stdSync.Mutex
	collections map[string]*collectionState
	closed      bool
}

// New creates an engine over the given store and remote.
func New(store storage.Store, remote transport.RemoteStore, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:       store,
		remote:      remote,
		cfg:         cfg,
		bus:         NewBus(),
		logger:      logging.WithComponent(logging.Component("engine")),
		collections: make(map[string]*collectionState),
	}
}

// Bus exposes the engine's event bus for subscription.
func (e *Engine) Bus() *Bus { return e.bus }

// Register announces a collection so connectivity-driven triggers cover it
// even before its first journal entry. Running a cycle registers implicitly.
func (e *Engine) Register(collection string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[collection]; !ok {
		e.collections[collection] = &collectionState{}
	}
}

// Close marks the engine closed. In-flight cycles finish; new cycles are
// rejected. The store and remote are owned by the caller and not closed here.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// acquire claims the per-collection cycle slot.
func (e *Engine) acquire(collection string) (*collectionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	st, ok := e.collections[collection]
	if !ok {
		st = &collectionState{}
		e.collections[collection] = st
	}
	if st.running {
		st.rerun = true
		return nil, ErrCycleInFlight
	}
	st.running = true
	return st, nil
}

// release frees the cycle slot and schedules the coalesced follow-up run.
func (e *Engine) release(collection string, st *collectionState) {
	e.mu.Lock()
	st.running = false
	st.lastCycle = time.Now()
	rerun := st.rerun
	st.rerun = false
	closed := e.closed
	e.mu.Unlock()

	if rerun && !closed {
		go e.runDetached(collection)
	}
}

func (e *Engine) runDetached(collection string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CycleTimeout)
	defer cancel()

	if _, err := e.RunCycle(ctx, collection); err != nil &&
		!stderrors.Is(err, ErrCycleInFlight) && !stderrors.Is(err, ErrEngineClosed) {
		e.logger.LogError(ctx, err, "detached sync cycle failed",
			slog.String("collection", collection))
	}
}

// TriggerSync starts a cycle for the collection without blocking the caller.
// A trigger while a cycle is in flight coalesces into one follow-up run.
func (e *Engine) TriggerSync(collection string) {
	go e.runDetached(collection)
}

// TriggerPending starts cycles for every collection with pending journal
// entries or a stale cursor. Used on offline-to-online transitions.
func (e *Engine) TriggerPending(ctx context.Context) error {
	pending, err := e.store.PendingCollections(ctx)
	if err != nil {
		return err
	}

	due := make(map[string]bool, len(pending))
	for _, c := range pending {
		due[c] = true
	}

	e.mu.Lock()
	staleBefore := time.Now().Add(-e.cfg.StaleAfter)
	for name, st := range e.collections {
		if st.lastCycle.Before(staleBefore) {
			due[name] = true
		}
	}
	e.mu.Unlock()

	for name := range due {
		e.TriggerSync(name)
	}
	return nil
}

// RunCycle performs one reconciliation cycle: push, pull, cursor advance.
// It returns ErrCycleInFlight when the collection is already cycling; every
// other outcome is a Summary, including one carrying per-entry errors.
func (e *Engine) RunCycle(ctx context.Context, collection string) (*Summary, error) {
	st, err := e.acquire(collection)
	if err != nil {
		return nil, err
	}
	defer e.release(collection, st)

	summary := &Summary{
		Collection: collection,
		StartTime:  time.Now(),
	}
	defer func() {
		summary.Duration = time.Since(summary.StartTime)
		e.bus.Publish(Event{Kind: EventSyncCompleted, Collection: collection, Summary: summary})
	}()

	log := e.logger.WithCollection(collection)

	// Records that raised or already carry an unresolved conflict are
	// excluded from both phases for the rest of the cycle.
	blocked := make(map[string]bool)

	e.pushPhase(ctx, st, summary, blocked, log)

	// Cancellation between phases: the push batch is already settled entry
	// by entry, so stopping here is safe.
	if ctx.Err() != nil {
		summary.Errors = append(summary.Errors, ctx.Err())
		return summary, nil
	}

	e.pullPhase(ctx, summary, blocked, log)

	log.DebugContext(ctx, "sync cycle completed",
		slog.Int("pushed", summary.Pushed),
		slog.Int("pulled", summary.Pulled),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("dead", summary.Dead),
		slog.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// pushPhase drains one journal batch in creation order. The batch is a
// snapshot taken at phase start; entries appended mid-cycle wait for the
// next cycle.
func (e *Engine) pushPhase(ctx context.Context, st *collectionState, summary *Summary, blocked map[string]bool, log *logging.Logger) {
	e.mu.Lock()
	gated := time.Now().Before(st.retryAfter)
	e.mu.Unlock()
	if gated {
		log.DebugContext(ctx, "push phase gated by backoff")
		return
	}

	entries, err := e.store.PeekBatch(ctx, summary.Collection, e.cfg.BatchSize)
	if err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}

	// Entries for one record chain: each confirmed write moves the record's
	// sync point, and the next entry's conditional write must build on it,
	// not on the sync point captured in its snapshot.
	confirmed := make(map[string]int64)

	retryableFailure := false
	for _, entry := range entries {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, ctx.Err())
			break
		}

		if blocked[entry.RecordID] {
			summary.Blocked++
			continue
		}
		if has, err := e.store.HasUnresolved(ctx, entry.Collection, entry.RecordID); err == nil && has {
			blocked[entry.RecordID] = true
			summary.Blocked++
			continue
		}

		err := e.pushEntry(ctx, entry, confirmed, summary, blocked)
		if err == nil {
			summary.Pushed++
			continue
		}
		if stderrors.Is(err, errEscalated) {
			continue
		}

		// Entries for the same record apply in creation order: after a
		// failure, later entries for that record must wait.
		blocked[entry.RecordID] = true

		if syncErrors.IsRetryable(err) {
			retryableFailure = true
		}
		summary.Errors = append(summary.Errors, err)
		e.countRetry(ctx, entry, summary, log)
	}

	e.mu.Lock()
	if retryableFailure {
		st.attempt++
		st.retryAfter = time.Now().Add(e.cfg.Backoff.NextDelay(st.attempt - 1))
	} else {
		st.attempt = 0
		st.retryAfter = time.Time{}
	}
	e.mu.Unlock()
}

// pushEntry attempts one remote operation. A conflict signal from the remote
// escalates to conflict detection and reports no error; every other failure
// is returned for retry accounting.
func (e *Engine) pushEntry(ctx context.Context, entry *record.JournalEntry, confirmed map[string]int64, summary *Summary, blocked map[string]bool) error {
	snap, err := entry.Snapshot()
	if err != nil {
		// The persisted payload no longer decodes. Fatal for this entry
		// only: flag the record, bury the entry, keep syncing the rest.
		corr := syncErrors.NewCorruption(syncErrors.OpPush, err).
			WithMetadata("seq", entry.Seq).
			WithMetadata("record_id", entry.RecordID)
		_ = e.store.FlagCorrupt(ctx, entry.Collection, entry.RecordID)
		if err := e.store.MarkDead(ctx, entry.Seq); err == nil {
			summary.Dead++
			entry.Dead = true
			e.bus.Publish(Event{Kind: EventEntryDead, Collection: entry.Collection, Entry: entry})
		}
		return corr
	}

	// The snapshot's sync point may predate confirmations from earlier
	// entries for the same record, in this cycle or a previous one. The
	// live record and the cycle's confirmation map carry the current base.
	base := snap.SyncedVersion
	if live, err := e.store.Get(ctx, entry.Collection, entry.RecordID); err == nil && live.SyncedVersion > base {
		base = live.SyncedVersion
	}
	if v, ok := confirmed[entry.RecordID]; ok && v > base {
		base = v
	}

	var opErr error
	switch entry.Op {
	case record.OpCreate:
		var doc record.Document
		doc, opErr = e.remote.CreateDocument(ctx, snap.ToDocument())
		if opErr == nil {
			confirmed[entry.RecordID] = doc.Version
			opErr = e.confirm(ctx, entry, doc.Version)
		}
	case record.OpUpdate:
		var doc record.Document
		doc, opErr = e.remote.UpdateDocument(ctx, snap.ToDocument(), base)
		if opErr == nil {
			confirmed[entry.RecordID] = doc.Version
			opErr = e.confirm(ctx, entry, doc.Version)
		}
	case record.OpDelete:
		var version int64
		version, opErr = e.remote.DeleteDocument(ctx, entry.Collection, entry.RecordID, base)
		if opErr == nil {
			confirmed[entry.RecordID] = version
			opErr = e.confirm(ctx, entry, version)
		}
	default:
		opErr = syncErrors.NewValidation(syncErrors.OpPush,
			stderrors.New("unknown journal op "+string(entry.Op)))
	}

	if opErr != nil && syncErrors.IsConflict(opErr) {
		// Concurrent remote modification: materialize the conflict instead
		// of retrying. The entry stays journaled until resolution decides
		// its fate.
		e.escalateConflict(ctx, entry.Collection, entry.RecordID, summary, blocked)
		return errEscalated
	}
	return opErr
}

// confirm records a positive remote acknowledgement: the record's sync point
// moves to the confirmed version and the entry leaves the journal.
func (e *Engine) confirm(ctx context.Context, entry *record.JournalEntry, version int64) error {
	if err := e.store.MarkSynced(ctx, entry.Collection, entry.RecordID, version); err != nil &&
		!stderrors.Is(err, storage.ErrNotFound) {
		return err
	}
	return e.store.Acknowledge(ctx, []int64{entry.Seq})
}

// countRetry bumps the entry's retry count and buries it at the ceiling.
func (e *Engine) countRetry(ctx context.Context, entry *record.JournalEntry, summary *Summary, log *logging.Logger) {
	if entry.Dead {
		return
	}

	retries, err := e.store.IncrementRetry(ctx, entry.Seq)
	if err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}
	if retries < e.cfg.MaxRetries {
		return
	}

	if err := e.store.MarkDead(ctx, entry.Seq); err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}
	summary.Dead++
	entry.Retries = retries
	entry.Dead = true
	log.Warn("journal entry hit retry ceiling, marked dead",
		slog.Int64("seq", entry.Seq),
		slog.String("record_id", entry.RecordID),
		slog.Int("retries", retries),
	)
	e.bus.Publish(Event{Kind: EventEntryDead, Collection: entry.Collection, Entry: entry})
}

// escalateConflict materializes a conflict from the current local record and
// the current remote document. At most one conflict is raised per record per
// cycle; a record already carrying an unresolved conflict is left alone.
func (e *Engine) escalateConflict(ctx context.Context, collection, recordID string, summary *Summary, blocked map[string]bool) {
	if blocked[recordID] {
		return
	}
	blocked[recordID] = true

	if has, err := e.store.HasUnresolved(ctx, collection, recordID); err != nil || has {
		if has {
			summary.Blocked++
		}
		return
	}

	remote, err := e.remote.GetDocument(ctx, collection, recordID)
	if err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}

	local, err := e.store.Get(ctx, collection, recordID)
	if err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}

	e.raiseConflict(ctx, local, remote, summary)
}

func (e *Engine) raiseConflict(ctx context.Context, local *record.Record, remote record.Document, summary *Summary) {
	c := record.NewConflict(local, remote)
	if err := e.store.SaveConflict(ctx, c); err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}
	summary.Conflicts++
	e.bus.Publish(Event{Kind: EventConflictDetected, Collection: c.Collection, Conflict: c})
}

// refreshConflict keeps a blocked record's conflict current. The cursor
// advances past changes for blocked records, so a remote change arriving while
// the conflict is open would otherwise never be pulled again; storing it as
// the conflict's remote snapshot lets resolution adopt the latest remote state.
func (e *Engine) refreshConflict(ctx context.Context, doc record.Document) error {
	c, err := e.store.UnresolvedFor(ctx, doc.Collection, doc.ID)
	if stderrors.Is(err, storage.ErrNotFound) {
		// Blocked by a push failure, not a conflict; the next push retry
		// either lands or escalates against the current remote state.
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Version <= c.Remote.Version {
		return nil
	}
	c.Remote = doc
	return e.store.SaveConflict(ctx, c)
}

// pullPhase drains remote changes behind the cursor. The cursor only
// advances after a page has been fully applied or conflicted, so an
// interrupted cycle never skips a remote change.
func (e *Engine) pullPhase(ctx context.Context, summary *Summary, blocked map[string]bool, log *logging.Logger) {
	cur, err := e.store.LoadCursor(ctx, summary.Collection)
	if err != nil {
		summary.Errors = append(summary.Errors, err)
		return
	}

	for page := 0; page < e.cfg.MaxPullPages; page++ {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, ctx.Err())
			return
		}

		res, err := e.remote.ListDocuments(ctx, summary.Collection, cur, e.cfg.PullLimit)
		if err != nil {
			summary.Errors = append(summary.Errors, err)
			return
		}
		if len(res.Documents) == 0 {
			return
		}

		for _, doc := range res.Documents {
			if err := e.applyRemote(ctx, doc, summary, blocked); err != nil {
				summary.Errors = append(summary.Errors, err)
				// The page is not fully applied; leave the cursor where it
				// is so the change is retried next cycle.
				return
			}
		}

		if res.Next != nil {
			if err := e.store.SaveCursor(ctx, summary.Collection, res.Next); err != nil {
				summary.Errors = append(summary.Errors, err)
				return
			}
			cur = res.Next
		}

		if len(res.Documents) < e.cfg.PullLimit {
			return
		}
	}

	log.DebugContext(ctx, "pull page cap reached, continuing next cycle")
}

// applyRemote reconciles one pulled document against the local copy.
func (e *Engine) applyRemote(ctx context.Context, doc record.Document, summary *Summary, blocked map[string]bool) error {
	local, err := e.store.Get(ctx, doc.Collection, doc.ID)
	if stderrors.Is(err, storage.ErrNotFound) {
		if doc.Deleted {
			// Tombstone for a record this client never had.
			return nil
		}
		if err := e.store.Put(ctx, record.FromDocument(doc)); err != nil {
			return err
		}
		summary.Pulled++
		return nil
	}
	if err != nil {
		return err
	}

	if local.Corrupt {
		// Flagged for manual inspection; never overwritten silently.
		summary.Blocked++
		return nil
	}

	if blocked[doc.ID] {
		summary.Blocked++
		return e.refreshConflict(ctx, doc)
	}
	if has, err := e.store.HasUnresolved(ctx, doc.Collection, doc.ID); err != nil {
		return err
	} else if has {
		blocked[doc.ID] = true
		summary.Blocked++
		return e.refreshConflict(ctx, doc)
	}

	// Our own confirmed write echoing back, or an already-seen change.
	if doc.Version <= local.RemoteVersion {
		return nil
	}

	if local.Dirty {
		if record.FieldsEqual(local.Fields, doc.Fields) && local.Deleted == doc.Deleted {
			// Both sides hold the same content; adopt the remote version as
			// the new sync point. A pending journal entry replays as a
			// no-op because pushes are keyed by record id.
			return e.store.MarkSynced(ctx, doc.Collection, doc.ID, doc.Version)
		}
		// Changed on both sides since the last sync point.
		blocked[doc.ID] = true
		e.raiseConflict(ctx, local, doc, summary)
		return nil
	}

	if doc.Deleted {
		clean := record.FromDocument(doc)
		if err := e.store.Put(ctx, clean); err != nil {
			return err
		}
		// MarkSynced removes a deleted row entirely.
		if err := e.store.MarkSynced(ctx, doc.Collection, doc.ID, doc.Version); err != nil {
			return err
		}
		summary.Pulled++
		return nil
	}

	if err := e.store.Put(ctx, record.FromDocument(doc)); err != nil {
		return err
	}
	summary.Pulled++
	return nil
}
