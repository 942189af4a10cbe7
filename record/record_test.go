package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	r := New("patients", "facility-1", map[string]any{"name": "Ada"})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "patients", r.Collection)
	assert.Equal(t, "facility-1", r.FacilityID)
	assert.True(t, r.Dirty)
	assert.False(t, r.Deleted)
	assert.EqualValues(t, 1, r.LocalVersion)
	assert.EqualValues(t, 0, r.RemoteVersion)
}

func TestRecord_Touch(t *testing.T) {
	r := New("patients", "f1", map[string]any{"name": "Ada"})
	r.Dirty = false
	before := r.LocalVersion

	r.Fields["name"] = "Ada L."
	r.Touch("name")

	assert.True(t, r.Dirty)
	assert.Equal(t, before+1, r.LocalVersion)
	require.Contains(t, r.FieldTimes, "name")
	assert.WithinDuration(t, time.Now(), r.FieldTimes["name"], time.Minute)
}

func TestRecord_Clone(t *testing.T) {
	r := New("patients", "f1", map[string]any{"name": "Ada"})
	r.FieldTimes = map[string]time.Time{"name": time.Now().UTC()}

	cp := r.Clone()
	cp.Fields["name"] = "changed"
	cp.FieldTimes["name"] = time.Time{}

	assert.Equal(t, "Ada", r.Fields["name"])
	assert.False(t, r.FieldTimes["name"].IsZero())
}

func TestDocumentRoundTrip(t *testing.T) {
	r := New("patients", "f1", map[string]any{"name": "Ada"})
	r.RemoteVersion = 7

	doc := r.ToDocument()
	assert.Equal(t, r.ID, doc.ID)
	assert.EqualValues(t, 7, doc.Version)

	back := FromDocument(doc)
	assert.Equal(t, r.ID, back.ID)
	assert.False(t, back.Dirty)
	assert.EqualValues(t, 7, back.RemoteVersion)
	assert.EqualValues(t, 7, back.SyncedVersion)
}

func TestFieldsEqual(t *testing.T) {
	a := map[string]any{"name": "Ada", "dose": 2}
	b := map[string]any{"dose": 2, "name": "Ada"}
	c := map[string]any{"name": "Grace"}

	assert.True(t, FieldsEqual(a, b))
	assert.False(t, FieldsEqual(a, c))
	assert.True(t, FieldsEqual(nil, nil))
}

func TestFieldsEqual_AfterJSONRoundTrip(t *testing.T) {
	a := map[string]any{"dose": 2}

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var b map[string]any
	require.NoError(t, json.Unmarshal(data, &b))

	// ints become float64 after a round trip; canonical JSON comparison
	// still treats them as equal.
	assert.True(t, FieldsEqual(a, b))
}

func TestNewJournalEntry(t *testing.T) {
	r := New("patients", "f1", map[string]any{"name": "Ada"})

	e, err := NewJournalEntry(OpCreate, r)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, e.Op)
	assert.Equal(t, r.ID, e.RecordID)
	assert.Equal(t, "patients", e.Collection)
	assert.Zero(t, e.Retries)
	assert.False(t, e.Dead)

	snap, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, r.ID, snap.ID)
	assert.Equal(t, "Ada", snap.Fields["name"])
}

func TestNewJournalEntry_InvalidOp(t *testing.T) {
	r := New("patients", "f1", nil)
	_, err := NewJournalEntry(OpKind("merge"), r)
	assert.Error(t, err)
}

func TestJournalEntry_Snapshot_Corrupt(t *testing.T) {
	e := &JournalEntry{Seq: 3, Payload: json.RawMessage("{broken")}
	_, err := e.Snapshot()
	assert.Error(t, err)
}

func TestNewConflict(t *testing.T) {
	local := New("patients", "f1", map[string]any{"name": "Ada"})
	remote := Document{Collection: "patients", ID: local.ID, Version: 4}

	c := NewConflict(local, remote)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, local.ID, c.RecordID)
	assert.Equal(t, ConflictUnresolved, c.State)
	assert.EqualValues(t, 4, c.Remote.Version)

	// Conflict holds a snapshot, not a live reference.
	local.Fields["name"] = "changed"
	assert.Equal(t, "Ada", c.Local.Fields["name"])
}
