package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/storage/sqlite"
	"github.com/medirec/offsync/transport"
	"github.com/medirec/offsync/transport/memory"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// hookRemote wraps a RemoteStore with injectable failures, in front of the
// in-memory reference remote.
type hookRemote struct {
	transport.RemoteStore

	mu          sync.Mutex
	createHook  func(d record.Document) error
	createCalls int
}

func (h *hookRemote) CreateDocument(ctx context.Context, d record.Document) (record.Document, error) {
	h.mu.Lock()
	h.createCalls++
	hook := h.createHook
	h.mu.Unlock()
	if hook != nil {
		if err := hook(d); err != nil {
			return record.Document{}, err
		}
	}
	return h.RemoteStore.CreateDocument(ctx, d)
}

func (h *hookRemote) creates() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createCalls
}

func journalMutation(t *testing.T, s storage.Store, op record.OpKind, r *record.Record) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), r))
	e, err := record.NewJournalEntry(op, r)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), e))
}

func TestRunCycle_OfflineCreateConverges(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	// Create patient P offline: journal holds one create entry.
	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)
	assert.Empty(t, summary.Errors)

	// Remote has P with an assigned version.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", doc.Fields["name"])
	assert.Positive(t, doc.Version)

	// Journal is empty, local P is confirmed and clean.
	n, err := s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Get(ctx, "patients", p.ID)
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, doc.Version, got.RemoteVersion)
}

func TestRunCycle_SequenceOfMutationsConverges(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	p.Fields["name"] = "Ada Lovelace"
	p.Touch("name")
	journalMutation(t, s, record.OpUpdate, p)

	q := record.New("patients", "f1", map[string]any{"name": "Grace"})
	journalMutation(t, s, record.OpCreate, q)
	q.Deleted = true
	q.Touch()
	require.NoError(t, s.MarkDeleted(ctx, "patients", q.ID))
	e, err := record.NewJournalEntry(record.OpDelete, q)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, e))

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Pushed)
	assert.Empty(t, summary.Errors)

	// Remote reflects exactly the final local state.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", doc.Fields["name"])

	gone, err := remote.GetDocument(ctx, "patients", q.ID)
	require.NoError(t, err)
	assert.True(t, gone.Deleted)

	n, err := s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCycle_Idempotent(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	// No new local or remote changes: the second cycle is a no-op.
	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, summary.Pushed)
	assert.Zero(t, summary.Pulled)
	assert.Zero(t, summary.Conflicts)
	assert.Empty(t, summary.Errors)
}

func TestRunCycle_PullsRemoteChanges(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	// Another client created two documents.
	for _, name := range []string{"Ada", "Grace"} {
		_, err := remote.CreateDocument(ctx, record.New("patients", "f1",
			map[string]any{"name": name}).ToDocument())
		require.NoError(t, err)
	}

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pulled)

	got, err := s.Query(ctx, "patients", storage.Query{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, r := range got {
		assert.False(t, r.Dirty)
		assert.Positive(t, r.RemoteVersion)
	}
}

func TestRunCycle_PullPropagatesRemoteDelete(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)
	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	// Another client deletes P remotely.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	_, err = remote.DeleteDocument(ctx, "patients", p.ID, doc.Version)
	require.NoError(t, err)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pulled)

	_, err = s.Get(ctx, "patients", p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunCycle_ConflictRaisedOnceAndBlocksRecord(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	// Sync a record both sides know.
	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)
	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	// Remote changes independently.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	doc.Fields = map[string]any{"name": "Ada L."}
	_, err = remote.UpdateDocument(ctx, doc, doc.Version)
	require.NoError(t, err)

	// Local changes too.
	local, err := s.Get(ctx, "patients", p.ID)
	require.NoError(t, err)
	local.Fields["name"] = "Ada Byron"
	local.Touch("name")
	journalMutation(t, s, record.OpUpdate, local)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	// Neither side was overwritten.
	after, err := s.Get(ctx, "patients", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Byron", after.Fields["name"])
	assert.True(t, after.Dirty)

	remoteDoc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", remoteDoc.Fields["name"])

	// A rerun raises no second conflict for the same record.
	summary2, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, summary2.Conflicts)

	open, err := s.ListConflicts(ctx, "patients")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRunCycle_BlockedRecordConflictTracksNewerRemote(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)
	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	// Diverge both sides: conflict is materialized against remote v2.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	doc.Fields = map[string]any{"name": "Ada L."}
	doc, err = remote.UpdateDocument(ctx, doc, doc.Version)
	require.NoError(t, err)

	local, err := s.Get(ctx, "patients", p.ID)
	require.NoError(t, err)
	local.Fields["name"] = "Ada Byron"
	local.Touch("name")
	journalMutation(t, s, record.OpUpdate, local)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)

	// The remote moves again while the record is blocked. The cursor
	// advances past this change, so the conflict must carry it instead.
	doc.Fields = map[string]any{"name": "Countess Lovelace"}
	doc, err = remote.UpdateDocument(ctx, doc, doc.Version)
	require.NoError(t, err)

	summary, err = eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, summary.Conflicts)

	open, err := s.ListConflicts(ctx, "patients")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, doc.Version, open[0].Remote.Version)
	assert.Equal(t, "Countess Lovelace", open[0].Remote.Fields["name"])
}

func TestRunCycle_ConflictBlocksOnlyItsRecord(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)
	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	// Conflict on P.
	doc, err := remote.GetDocument(ctx, "patients", p.ID)
	require.NoError(t, err)
	doc.Fields = map[string]any{"name": "Ada L."}
	_, err = remote.UpdateDocument(ctx, doc, doc.Version)
	require.NoError(t, err)
	local, err := s.Get(ctx, "patients", p.ID)
	require.NoError(t, err)
	local.Fields["name"] = "Ada Byron"
	local.Touch("name")
	journalMutation(t, s, record.OpUpdate, local)

	// Independent record Q keeps syncing.
	q := record.New("patients", "f1", map[string]any{"name": "Grace"})
	journalMutation(t, s, record.OpCreate, q)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 1, summary.Pushed)

	_, err = remote.GetDocument(ctx, "patients", q.ID)
	assert.NoError(t, err)
}

func TestRunCycle_DeadEntryCeiling(t *testing.T) {
	s := newTestStore(t)
	failing := &hookRemote{RemoteStore: memory.New()}
	failing.createHook = func(record.Document) error {
		return syncErrors.NewValidation(syncErrors.OpPush, errors.New("schema rejected"))
	}

	maxRetries := 3
	eng := New(s, failing, Config{MaxRetries: maxRetries})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	var deadEvents int
	var mu sync.Mutex
	sub := eng.Bus().Subscribe(func(ev Event) {
		if ev.Kind == EventEntryDead {
			mu.Lock()
			deadEvents++
			mu.Unlock()
		}
	})
	defer sub.Unsubscribe()

	var lastSummary *Summary
	for i := 0; i < maxRetries; i++ {
		summary, err := eng.RunCycle(ctx, "patients")
		require.NoError(t, err)
		require.NotEmpty(t, summary.Errors)
		lastSummary = summary
	}
	assert.Equal(t, 1, lastSummary.Dead)

	// The entry died after exactly maxRetries attempts and is never retried.
	assert.Equal(t, maxRetries, failing.creates())
	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, maxRetries, failing.creates())

	dead, err := s.DeadEntries(ctx, "patients")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, maxRetries, dead[0].Retries)

	// Allow async handlers to land.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deadEvents == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunCycle_TransientFailureGatesPush(t *testing.T) {
	s := newTestStore(t)
	flaky := &hookRemote{RemoteStore: memory.New()}
	flaky.createHook = func(record.Document) error {
		return syncErrors.NewTransient(syncErrors.OpPush, errors.New("connection reset"))
	}

	eng := New(s, flaky, Config{
		MaxRetries: 10,
		Backoff:    &ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
	})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	require.NotEmpty(t, summary.Errors)
	assert.Equal(t, 1, flaky.creates())

	// The backoff gate skips the push phase on an immediate rerun.
	_, err = eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, flaky.creates())

	// The entry stayed journaled the whole time.
	n, err := s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunCycle_RecoversAfterTransientFailure(t *testing.T) {
	s := newTestStore(t)
	flaky := &hookRemote{RemoteStore: memory.New()}
	fail := true
	flaky.createHook = func(record.Document) error {
		if fail {
			return syncErrors.NewTransient(syncErrors.OpPush, errors.New("timeout"))
		}
		return nil
	}

	eng := New(s, flaky, Config{
		Backoff: &ExponentialBackoff{InitialDelay: 0, MaxDelay: 0, Multiplier: 1},
	})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	_, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	fail = false
	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)
	assert.Empty(t, summary.Errors)

	n, err := s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCycle_PartialPushIsSafeToRerun(t *testing.T) {
	s := newTestStore(t)
	flaky := &hookRemote{RemoteStore: memory.New()}
	var calls int
	flaky.createHook = func(record.Document) error {
		calls++
		if calls > 1 {
			return syncErrors.NewTransient(syncErrors.OpPush, errors.New("timeout"))
		}
		return nil
	}

	eng := New(s, flaky, Config{
		Backoff: &ExponentialBackoff{InitialDelay: 0, MaxDelay: 0, Multiplier: 1},
	})
	ctx := context.Background()

	a := record.New("patients", "f1", map[string]any{"name": "Ada"})
	b := record.New("patients", "f1", map[string]any{"name": "Grace"})
	journalMutation(t, s, record.OpCreate, a)
	journalMutation(t, s, record.OpCreate, b)

	// First entry lands, second fails: acknowledged entries are gone,
	// unacknowledged entries intact.
	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)

	n, err := s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-running converges without duplicating the first push.
	flaky.createHook = nil
	summary, err = eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)

	n, err = s.PendingCount(ctx, "patients")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCycle_CoalescesConcurrentTriggers(t *testing.T) {
	s := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	slow := &hookRemote{RemoteStore: memory.New()}
	slow.createHook = func(record.Document) error {
		close(started)
		<-release
		return nil
	}

	eng := New(s, slow, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	var completed int
	var mu sync.Mutex
	sub := eng.Bus().Subscribe(func(ev Event) {
		if ev.Kind == EventSyncCompleted {
			mu.Lock()
			completed++
			mu.Unlock()
		}
	})
	defer sub.Unsubscribe()

	done := make(chan *Summary)
	go func() {
		summary, err := eng.RunCycle(ctx, "patients")
		require.NoError(t, err)
		done <- summary
	}()

	<-started
	// A trigger mid-cycle is rejected and coalesced into one follow-up run.
	_, err := eng.RunCycle(ctx, "patients")
	assert.ErrorIs(t, err, ErrCycleInFlight)
	close(release)
	<-done

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunCycle_MutationDuringCycleIsNotLost(t *testing.T) {
	s := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := &hookRemote{RemoteStore: memory.New()}
	slow.createHook = func(record.Document) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}

	eng := New(s, slow, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	done := make(chan struct{})
	go func() {
		_, err := eng.RunCycle(ctx, "patients")
		require.NoError(t, err)
		close(done)
	}()

	<-started
	// UI mutation mid-cycle: appended safely, picked up by the next cycle.
	q := record.New("patients", "f1", map[string]any{"name": "Grace"})
	journalMutation(t, s, record.OpCreate, q)
	close(release)
	<-done

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)

	_, err = slow.GetDocument(ctx, "patients", q.ID)
	assert.NoError(t, err)
}

func TestRunCycle_ClosedEngine(t *testing.T) {
	s := newTestStore(t)
	eng := New(s, memory.New(), Config{})
	require.NoError(t, eng.Close())

	_, err := eng.RunCycle(context.Background(), "patients")
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestTriggerPending_CoversJournaledCollections(t *testing.T) {
	s := newTestStore(t)
	remote := memory.New()
	eng := New(s, remote, Config{})
	ctx := context.Background()

	p := record.New("patients", "f1", map[string]any{"name": "Ada"})
	journalMutation(t, s, record.OpCreate, p)

	require.NoError(t, eng.TriggerPending(ctx))

	assert.Eventually(t, func() bool {
		n, err := s.PendingCount(ctx, "patients")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := remote.GetDocument(ctx, "patients", p.ID)
	assert.NoError(t, err)
}
