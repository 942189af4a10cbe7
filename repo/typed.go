package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medirec/offsync/storage"
)

// Typed wraps a Collection with a concrete domain struct, marshaling it
// through the record's field map. T must round-trip through JSON.
type Typed[T any] struct {
	*Collection
}

// NewTyped binds a domain type to a collection repository.
func NewTyped[T any](c *Collection) *Typed[T] {
	return &Typed[T]{Collection: c}
}

// Create stores a new typed record and returns its assigned id.
func (t *Typed[T]) Create(ctx context.Context, v T) (string, error) {
	fields, err := toFields(v)
	if err != nil {
		return "", err
	}
	r, err := t.CreateLocal(ctx, fields)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Update replaces the record's domain fields with v.
func (t *Typed[T]) Update(ctx context.Context, id string, v T) error {
	fields, err := toFields(v)
	if err != nil {
		return err
	}
	_, err = t.UpdateLocal(ctx, id, fields)
	return err
}

// Fetch decodes one record into the domain type.
func (t *Typed[T]) Fetch(ctx context.Context, id string) (T, error) {
	var v T
	r, err := t.Get(ctx, id)
	if err != nil {
		return v, err
	}
	return fromFields[T](r.Fields)
}

// FetchAll decodes the collection's records into domain values, keyed by id.
func (t *Typed[T]) FetchAll(ctx context.Context, q storage.Query) (map[string]T, error) {
	records, err := t.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(records))
	for _, r := range records {
		v, err := fromFields[T](r.Fields)
		if err != nil {
			return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
		}
		out[r.ID] = v
	}
	return out, nil
}

func toFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fromFields[T any](fields map[string]any) (T, error) {
	var v T
	data, err := json.Marshal(fields)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(data, &v)
	return v, err
}
