package cursor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegerCursor_Compare(t *testing.T) {
	assert.Equal(t, -1, NewInteger(1).Compare(NewInteger(2)))
	assert.Equal(t, 1, NewInteger(3).Compare(NewInteger(2)))
	assert.Equal(t, 0, NewInteger(2).Compare(NewInteger(2)))
	assert.Equal(t, 1, NewInteger(1).Compare(nil))

	// Different kinds are incomparable.
	assert.Equal(t, 0, NewInteger(1).Compare(NewTimestamp(time.Now())))
}

func TestIntegerCursor_IsZero(t *testing.T) {
	assert.True(t, IntegerCursor{}.IsZero())
	assert.False(t, NewInteger(1).IsZero())
}

func TestTimestampCursor_Compare(t *testing.T) {
	earlier := NewTimestamp(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	later := NewTimestamp(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, -1, earlier.Compare(later))
	assert.Equal(t, 1, later.Compare(earlier))
	assert.Equal(t, 0, earlier.Compare(earlier))
	assert.Equal(t, 1, earlier.Compare(nil))
}

func TestWireRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		c    Cursor
	}{
		{"integer", NewInteger(42)},
		{"timestamp", NewTimestamp(time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.c)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, 0, got.Compare(tt.c))
			assert.Equal(t, tt.c.Kind(), got.Kind())
		})
	}
}

func TestUnmarshalWire_UnknownKind(t *testing.T) {
	_, err := UnmarshalWire(&WireCursor{Kind: "martian", Data: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestValidateWire(t *testing.T) {
	assert.Error(t, ValidateWire(nil))

	big := make([]byte, maxWireCursorSize+1)
	assert.Error(t, ValidateWire(&WireCursor{Kind: KindInteger, Data: big}))

	assert.NoError(t, ValidateWire(&WireCursor{Kind: KindInteger, Data: json.RawMessage(`7`)}))
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}
