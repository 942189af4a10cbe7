// Package cursor defines the per-collection sync watermark types and their
// stable wire representation. A cursor marks the point up to which remote
// changes have been pulled and applied; it only advances after a pull batch
// has been fully applied locally.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	KindInteger   = "integer"
	KindTimestamp = "timestamp"
)

// Cursor is a typed watermark. Implementations must be comparable so the
// engine can decide whether a cursor is stale.
type Cursor interface {
	Kind() string

	// Compare returns -1 if this cursor is before other, 0 if equal, 1 if after.
	// Cursors of different kinds are incomparable and compare as 0.
	Compare(other Cursor) int

	// IsZero reports whether this is the initial (never synced) watermark.
	IsZero() bool

	String() string
}

// Codec marshals cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

func init() {
	Register(integerCodec{})
	Register(timestampCodec{})
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024

// WireCursor is the typed union used for persistence and HTTP transport.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWire(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if err := ValidateWire(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// Encode serializes a cursor to a single JSON blob suitable for a database cell.
func Encode(c Cursor) ([]byte, error) {
	wc, err := MarshalWire(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wc)
}

// Decode parses a JSON blob produced by Encode.
func Decode(data []byte) (Cursor, error) {
	var wc WireCursor
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, err
	}
	return UnmarshalWire(&wc)
}

// IntegerCursor is a high-water mark over the remote change sequence.
type IntegerCursor struct {
	Seq uint64
}

// NewInteger creates an IntegerCursor at the given sequence number.
func NewInteger(seq uint64) IntegerCursor {
	return IntegerCursor{Seq: seq}
}

func (IntegerCursor) Kind() string { return KindInteger }

func (ic IntegerCursor) Compare(other Cursor) int {
	if other == nil {
		return 1
	}
	oc, ok := other.(IntegerCursor)
	if !ok {
		return 0
	}
	if ic.Seq < oc.Seq {
		return -1
	}
	if ic.Seq > oc.Seq {
		return 1
	}
	return 0
}

func (ic IntegerCursor) IsZero() bool { return ic.Seq == 0 }

func (ic IntegerCursor) String() string { return fmt.Sprintf("%d", ic.Seq) }

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return IntegerCursor{Seq: seq}, nil
}

// TimestampCursor is a last-modified watermark for remotes that order
// changes by modification time rather than a change sequence.
type TimestampCursor struct {
	At time.Time
}

// NewTimestamp creates a TimestampCursor at the given instant.
func NewTimestamp(at time.Time) TimestampCursor {
	return TimestampCursor{At: at.UTC()}
}

func (TimestampCursor) Kind() string { return KindTimestamp }

func (tc TimestampCursor) Compare(other Cursor) int {
	if other == nil {
		return 1
	}
	oc, ok := other.(TimestampCursor)
	if !ok {
		return 0
	}
	switch {
	case tc.At.Before(oc.At):
		return -1
	case tc.At.After(oc.At):
		return 1
	default:
		return 0
	}
}

func (tc TimestampCursor) IsZero() bool { return tc.At.IsZero() }

func (tc TimestampCursor) String() string { return tc.At.UTC().Format(time.RFC3339Nano) }

type timestampCodec struct{}

func (timestampCodec) Kind() string { return KindTimestamp }

func (timestampCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TimestampCursor)
	if !ok {
		return nil, fmt.Errorf("expected TimestampCursor, got %T", c)
	}
	return json.Marshal(tc.At.UTC())
}

func (timestampCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var at time.Time
	if err := json.Unmarshal(data, &at); err != nil {
		return nil, err
	}
	return TimestampCursor{At: at.UTC()}, nil
}
