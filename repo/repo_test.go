package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medirec/offsync/engine"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/resolve"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/storage/sqlite"
	"github.com/medirec/offsync/transport/memory"
)

func newTestRepo(t *testing.T) (*Collection, *sqlite.Store, *memory.Store, *engine.Engine) {
	t.Helper()
	s, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	remote := memory.New()
	eng := engine.New(s, remote, engine.Config{})
	c := New("patients", "f1", s, resolve.New(s), eng)
	return c, s, remote, eng
}

func TestCreateLocal_JournalsAndStaysAvailableOffline(t *testing.T) {
	c, s, _, _ := newTestRepo(t)
	ctx := context.Background()

	r, err := c.CreateLocal(ctx, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.True(t, r.Dirty)

	// Readable immediately, no connectivity involved.
	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Fields["name"])

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The journal snapshot carries the full record.
	batch, err := s.PeekBatch(ctx, "patients", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, record.OpCreate, batch[0].Op)
	snap, err := batch[0].Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Ada", snap.Fields["name"])
}

func TestUpdateLocal_TouchesOnlyChangedFields(t *testing.T) {
	c, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	r, err := c.CreateLocal(ctx, map[string]any{"name": "Ada", "phone": "111"})
	require.NoError(t, err)

	updated, err := c.UpdateLocal(ctx, r.ID, map[string]any{"phone": "222"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", updated.Fields["name"])
	assert.Equal(t, "222", updated.Fields["phone"])
	assert.Greater(t, updated.LocalVersion, r.LocalVersion)
	assert.True(t, updated.FieldTimes["phone"].After(updated.FieldTimes["name"]) ||
		updated.FieldTimes["phone"].Equal(updated.FieldTimes["name"]))

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateLocal_RefusesCorruptRecord(t *testing.T) {
	c, s, _, _ := newTestRepo(t)
	ctx := context.Background()

	r, err := c.CreateLocal(ctx, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, s.FlagCorrupt(ctx, "patients", r.ID))

	_, err = c.UpdateLocal(ctx, r.ID, map[string]any{"name": "x"})
	assert.Error(t, err)
}

func TestDeleteLocal_SoftDeleteUntilConfirmed(t *testing.T) {
	c, _, remote, eng := newTestRepo(t)
	ctx := context.Background()

	r, err := c.CreateLocal(ctx, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, c.DeleteLocal(ctx, r.ID))

	// Hidden from listings while the delete awaits confirmation.
	listed, err := c.List(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Empty(t, listed)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pushed)

	doc, err := remote.GetDocument(ctx, "patients", r.ID)
	require.NoError(t, err)
	assert.True(t, doc.Deleted)

	_, err = c.Get(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveConflict_ThroughRepository(t *testing.T) {
	c, _, remote, eng := newTestRepo(t)
	ctx := context.Background()

	r, err := c.CreateLocal(ctx, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	_, err = eng.RunCycle(ctx, "patients")
	require.NoError(t, err)

	doc, err := remote.GetDocument(ctx, "patients", r.ID)
	require.NoError(t, err)
	doc.Fields = map[string]any{"name": "Ada L."}
	_, err = remote.UpdateDocument(ctx, doc, doc.Version)
	require.NoError(t, err)

	_, err = c.UpdateLocal(ctx, r.ID, map[string]any{"name": "Ada Byron"})
	require.NoError(t, err)

	summary, err := eng.RunCycle(ctx, "patients")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)

	open, err := c.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := c.ResolveConflict(ctx, open[0].ID, resolve.StrategyKeepRemote)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", resolved.Fields["name"])
	assert.False(t, resolved.Dirty)

	open, err = c.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

type patient struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

func TestTyped_RoundTrip(t *testing.T) {
	c, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	typed := NewTyped[patient](c)
	id, err := typed.Create(ctx, patient{Name: "Ada", Phone: "111"})
	require.NoError(t, err)

	got, err := typed.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, patient{Name: "Ada", Phone: "111"}, got)

	require.NoError(t, typed.Update(ctx, id, patient{Name: "Ada", Phone: "222"}))

	all, err := typed.FetchAll(ctx, storage.Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "222", all[id].Phone)
}
