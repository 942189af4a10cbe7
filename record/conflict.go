package record

import (
	"time"

	"github.com/google/uuid"
)

// ConflictState is the lifecycle state of a materialized conflict.
type ConflictState string

const (
	ConflictUnresolved     ConflictState = "unresolved"
	ConflictResolvedLocal  ConflictState = "resolved-local"
	ConflictResolvedRemote ConflictState = "resolved-remote"
	ConflictResolvedMerged ConflictState = "resolved-merged"
)

// Conflict is materialized when a record changed locally (dirty) and
// independently on the remote side since the last sync point. While
// unresolved it blocks push and pull for its record only; other records
// continue to sync.
type Conflict struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	// Local is the local snapshot at detection time.
	Local Record `json:"local"`

	// Remote is the remote snapshot that collided with the local changes.
	Remote Document `json:"remote"`

	DetectedAt time.Time     `json:"detected_at"`
	State      ConflictState `json:"state"`
}

// NewConflict materializes an unresolved conflict from the two snapshots.
func NewConflict(local *Record, remote Document) *Conflict {
	return &Conflict{
		ID:         uuid.NewString(),
		Collection: local.Collection,
		RecordID:   local.ID,
		Local:      *local.Clone(),
		Remote:     remote,
		DetectedAt: time.Now().UTC(),
		State:      ConflictUnresolved,
	}
}
