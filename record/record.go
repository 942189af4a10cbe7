// Package record defines the domain types shared by the local store, the
// change journal, and the sync engine: records with sync metadata, journal
// entries, remote documents, and materialized conflicts.
package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is the single authoritative local copy of a domain entity
// (patient, immunization event, notification). The ID is client-generated
// and permanent: it is never remapped to a server-assigned identifier.
type Record struct {
	// Collection names the record kind, e.g. "patients" or "immunizations".
	Collection string `json:"collection"`

	// ID is a client-generated UUID, the permanent primary key on both sides.
	ID string `json:"id"`

	// FacilityID scopes the record to a facility/tenant.
	FacilityID string `json:"facility_id,omitempty"`

	// Fields holds the arbitrary domain payload.
	Fields map[string]any `json:"fields"`

	// FieldTimes optionally tracks the last modification instant per field.
	// Required for the field-merge resolution strategy; absent otherwise.
	FieldTimes map[string]time.Time `json:"field_times,omitempty"`

	// LocalVersion increases monotonically on every local mutation.
	LocalVersion int64 `json:"local_version"`

	// RemoteVersion is the last remote version this client has observed for
	// the record. Zero until the first successful push or pull.
	RemoteVersion int64 `json:"remote_version"`

	// SyncedVersion is the remote version at the record's last successful
	// sync point. A remote version newer than this on a dirty record means
	// both sides changed independently.
	SyncedVersion int64 `json:"synced_version"`

	UpdatedAt time.Time `json:"updated_at"`

	// Dirty marks local changes not yet acknowledged by the remote store.
	Dirty bool `json:"dirty"`

	// Deleted marks a soft delete pending remote confirmation.
	Deleted bool `json:"deleted"`

	// Corrupt flags a record whose stored form failed to decode. Corrupt
	// records are excluded from sync and surfaced for manual inspection.
	Corrupt bool `json:"corrupt"`
}

// New creates a dirty record with a fresh client-generated ID.
func New(collection, facilityID string, fields map[string]any) *Record {
	return &Record{
		Collection:   collection,
		ID:           uuid.NewString(),
		FacilityID:   facilityID,
		Fields:       fields,
		LocalVersion: 1,
		UpdatedAt:    time.Now().UTC(),
		Dirty:        true,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Fields != nil {
		cp.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	if r.FieldTimes != nil {
		cp.FieldTimes = make(map[string]time.Time, len(r.FieldTimes))
		for k, v := range r.FieldTimes {
			cp.FieldTimes[k] = v
		}
	}
	return &cp
}

// Touch applies a local mutation: bumps the local version, stamps UpdatedAt
// and the per-field times for the changed fields, and marks the record dirty.
func (r *Record) Touch(changed ...string) {
	now := time.Now().UTC()
	r.LocalVersion++
	r.UpdatedAt = now
	r.Dirty = true
	if len(changed) > 0 {
		if r.FieldTimes == nil {
			r.FieldTimes = make(map[string]time.Time, len(changed))
		}
		for _, f := range changed {
			r.FieldTimes[f] = now
		}
	}
}

// Document is the remote store's view of a record: server-versioned,
// keyed by the same client-generated ID.
type Document struct {
	Collection string               `json:"collection"`
	ID         string               `json:"id"`
	FacilityID string               `json:"facility_id,omitempty"`
	Fields     map[string]any       `json:"fields"`
	FieldTimes map[string]time.Time `json:"field_times,omitempty"`

	// Version is the server-assigned change sequence, strictly increasing
	// per collection across all documents.
	Version int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
}

// ToDocument projects the record into its remote representation.
func (r *Record) ToDocument() Document {
	return Document{
		Collection: r.Collection,
		ID:         r.ID,
		FacilityID: r.FacilityID,
		Fields:     r.Fields,
		FieldTimes: r.FieldTimes,
		Version:    r.RemoteVersion,
		UpdatedAt:  r.UpdatedAt,
		Deleted:    r.Deleted,
	}
}

// FromDocument builds a clean (non-dirty) local record from a remote document.
func FromDocument(d Document) *Record {
	return &Record{
		Collection:    d.Collection,
		ID:            d.ID,
		FacilityID:    d.FacilityID,
		Fields:        d.Fields,
		FieldTimes:    d.FieldTimes,
		LocalVersion:  1,
		RemoteVersion: d.Version,
		SyncedVersion: d.Version,
		UpdatedAt:     d.UpdatedAt,
		Deleted:       d.Deleted,
	}
}

// FieldsEqual compares two field maps by their canonical JSON form.
// JSON encoding sorts map keys, so the comparison is order-insensitive.
func FieldsEqual(a, b map[string]any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
