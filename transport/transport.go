// Package transport defines the remote document store contract consumed by
// the sync engine. Implementations communicate with a hosted backend; the
// engine only sees documents, server-assigned versions, and the error
// taxonomy (transient, validation, permission, conflict).
package transport

import (
	"context"

	"github.com/medirec/offsync/cursor"
	"github.com/medirec/offsync/record"
)

// ListResult is one page of remote changes.
type ListResult struct {
	// Documents are ordered by remote version, oldest first. Tombstones for
	// deleted documents are included so deletes propagate to clients.
	Documents []record.Document

	// Next is the watermark after applying every document in this page.
	// Nil when the page is empty.
	Next cursor.Cursor
}

// RemoteStore is the remote document store. Writes are keyed by the
// client-generated document id, which makes replays after a lost
// acknowledgement idempotent.
//
// Conditional writes carry the base version the client last synced at; a
// mismatch means the document was concurrently modified and is reported as a
// conflict-kind error, which the engine escalates to conflict detection.
type RemoteStore interface {
	// CreateDocument stores a new document and returns it with its
	// server-assigned version. Re-creating an identical document is a no-op
	// returning the current version; an existing document with different
	// content is a conflict.
	CreateDocument(ctx context.Context, d record.Document) (record.Document, error)

	GetDocument(ctx context.Context, collection, id string) (record.Document, error)

	// UpdateDocument applies d if the remote version still equals baseVersion.
	UpdateDocument(ctx context.Context, d record.Document, baseVersion int64) (record.Document, error)

	// DeleteDocument tombstones the document if the remote version still
	// equals baseVersion, returning the tombstone version.
	DeleteDocument(ctx context.Context, collection, id string, baseVersion int64) (int64, error)

	// ListDocuments returns changes after the since watermark, capped at
	// limit. A nil since cursor means "from the beginning".
	ListDocuments(ctx context.Context, collection string, since cursor.Cursor, limit int) (*ListResult, error)

	Close() error
}
