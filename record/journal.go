package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the kind of a journaled mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether the op kind is one of create/update/delete.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// JournalEntry is one pending mutation awaiting remote confirmation.
// Entries for the same record are applied in Seq order; history is never
// collapsed before the remote confirms it.
type JournalEntry struct {
	// Seq is the append order, assigned by the journal.
	Seq int64 `json:"seq"`

	Op         OpKind `json:"op"`
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	// Payload is the full record snapshot at append time.
	Payload json.RawMessage `json:"payload"`

	CreatedAt time.Time `json:"created_at"`

	// Retries counts failed push attempts. Once it reaches the configured
	// ceiling the entry is marked dead and never retried again.
	Retries int  `json:"retries"`
	Dead    bool `json:"dead"`
}

// NewJournalEntry snapshots a record into a journal entry.
func NewJournalEntry(op OpKind, r *Record) (*JournalEntry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid journal op: %q", op)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot record %s: %w", r.ID, err)
	}
	return &JournalEntry{
		Op:         op,
		Collection: r.Collection,
		RecordID:   r.ID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Snapshot decodes the record snapshot carried by the entry.
func (e *JournalEntry) Snapshot() (*Record, error) {
	var r Record
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode journal payload seq=%d: %w", e.Seq, err)
	}
	return &r, nil
}
