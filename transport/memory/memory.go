// Package memory provides an in-memory RemoteStore. It backs the reference
// HTTP server and is useful for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medirec/offsync/cursor"
	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/transport"
)

// Store is an in-memory remote document store with a per-collection change
// sequence. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	cols map[string]*collection
}

type collection struct {
	seq  int64
	docs map[string]record.Document
}

// Compile-time check
var _ transport.RemoteStore = (*Store)(nil)

func New() *Store {
	return &Store{cols: make(map[string]*collection)}
}

func (s *Store) col(name string) *collection {
	c, ok := s.cols[name]
	if !ok {
		c = &collection{docs: make(map[string]record.Document)}
		s.cols[name] = c
	}
	return c
}

// CreateDocument stores a new document with the next change sequence.
// An identical replay is a no-op; diverged content on an existing id is a
// conflict.
func (s *Store) CreateDocument(ctx context.Context, d record.Document) (record.Document, error) {
	if d.Collection == "" || d.ID == "" {
		return record.Document{}, syncErrors.NewValidation(syncErrors.OpPush,
			fmt.Errorf("document requires collection and id"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.col(d.Collection)
	if existing, ok := c.docs[d.ID]; ok {
		if record.FieldsEqual(existing.Fields, d.Fields) && existing.Deleted == d.Deleted {
			return existing, nil
		}
		return record.Document{}, syncErrors.NewConflict(syncErrors.OpPush,
			fmt.Errorf("document %s already exists with different content", d.ID))
	}

	c.seq++
	d.Version = c.seq
	c.docs[d.ID] = d
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (record.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cols[collection]
	if !ok {
		return record.Document{}, storage.ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok {
		return record.Document{}, storage.ErrNotFound
	}
	return d, nil
}

// UpdateDocument applies d when the stored version still equals baseVersion.
func (s *Store) UpdateDocument(ctx context.Context, d record.Document, baseVersion int64) (record.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.col(d.Collection)
	existing, ok := c.docs[d.ID]
	if !ok {
		// Update of a never-created document: accept it as an upsert so a
		// client whose create ack was lost can still converge.
		c.seq++
		d.Version = c.seq
		c.docs[d.ID] = d
		return d, nil
	}

	// Idempotent replay: our own write already landed.
	if record.FieldsEqual(existing.Fields, d.Fields) && existing.Deleted == d.Deleted {
		return existing, nil
	}

	if existing.Version != baseVersion {
		return record.Document{}, syncErrors.NewConflict(syncErrors.OpPush,
			fmt.Errorf("document %s modified concurrently: have %d, base %d", d.ID, existing.Version, baseVersion))
	}

	c.seq++
	d.Version = c.seq
	c.docs[d.ID] = d
	return d, nil
}

// DeleteDocument tombstones the document so the delete propagates via
// ListDocuments.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string, baseVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.col(collection)
	existing, ok := c.docs[id]
	if !ok {
		// Deleting a document that never reached the remote is a no-op.
		return baseVersion, nil
	}
	if existing.Deleted {
		return existing.Version, nil
	}
	if existing.Version != baseVersion {
		return 0, syncErrors.NewConflict(syncErrors.OpPush,
			fmt.Errorf("document %s modified concurrently: have %d, base %d", id, existing.Version, baseVersion))
	}

	c.seq++
	existing.Deleted = true
	existing.Version = c.seq
	c.docs[id] = existing
	return existing.Version, nil
}

// ListDocuments returns documents with a version after the since watermark,
// ordered by version, capped at limit.
func (s *Store) ListDocuments(ctx context.Context, collectionName string, since cursor.Cursor, limit int) (*transport.ListResult, error) {
	if limit <= 0 {
		limit = 100
	}

	var sinceSeq uint64
	if since != nil && !since.IsZero() {
		ic, ok := since.(cursor.IntegerCursor)
		if !ok {
			return nil, syncErrors.NewValidation(syncErrors.OpPull,
				fmt.Errorf("unsupported cursor kind: %s", since.Kind()))
		}
		sinceSeq = ic.Seq
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cols[collectionName]
	if !ok {
		return &transport.ListResult{}, nil
	}

	var changed []record.Document
	for _, d := range c.docs {
		if uint64(d.Version) > sinceSeq {
			changed = append(changed, d)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Version < changed[j].Version })
	if len(changed) > limit {
		changed = changed[:limit]
	}

	result := &transport.ListResult{Documents: changed}
	if len(changed) > 0 {
		result.Next = cursor.NewInteger(uint64(changed[len(changed)-1].Version))
	}
	return result, nil
}

func (s *Store) Close() error { return nil }
