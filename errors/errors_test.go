package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Error(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  *SyncError
		want string
	}{
		{
			name: "with component and kind",
			err:  NewTransient(OpPush, cause),
			want: "push operation failed in transport component [TRANSIENT]: connection refused",
		},
		{
			name: "without component",
			err:  New(OpCycle, cause),
			want: "cycle operation failed: connection refused",
		},
		{
			name: "with component only",
			err:  NewWithComponent(OpLoad, "store", cause),
			want: "load operation failed in store component: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := NewValidation(OpPush, fmt.Errorf("schema check: %w", cause))

	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransient(OpPull, errors.New("timeout"))))
	assert.False(t, IsRetryable(NewValidation(OpPush, errors.New("bad payload"))))
	assert.False(t, IsRetryable(NewPermission(OpPush, errors.New("forbidden"))))
	assert.False(t, IsRetryable(errors.New("plain error")))

	// Retryability survives wrapping.
	wrapped := fmt.Errorf("cycle 3: %w", NewTransient(OpPush, errors.New("timeout")))
	assert.True(t, IsRetryable(wrapped))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(NewConflict(OpPush, errors.New("modified remotely"))))
	assert.Equal(t, KindCorruption, KindOf(NewCorruption(OpLoad, errors.New("bad json"))))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(NewConflict(OpPush, errors.New("version mismatch"))))
	assert.False(t, IsConflict(NewTransient(OpPush, errors.New("timeout"))))
}

func TestFromHTTPStatus(t *testing.T) {
	cause := errors.New("remote said no")

	tests := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{http.StatusConflict, KindConflict, false},
		{http.StatusPreconditionFailed, KindConflict, false},
		{http.StatusUnauthorized, KindPermission, false},
		{http.StatusForbidden, KindPermission, false},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusUnprocessableEntity, KindValidation, false},
		{http.StatusRequestTimeout, KindTransient, true},
		{http.StatusTooManyRequests, KindTransient, true},
		{http.StatusInternalServerError, KindTransient, true},
		{http.StatusBadGateway, KindTransient, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus(OpPush, tt.status, cause)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestWithMetadata(t *testing.T) {
	err := NewTransient(OpPush, errors.New("timeout")).
		WithMetadata("record_id", "rec-1").
		WithMetadata("attempt", 2)

	assert.Equal(t, "rec-1", err.Metadata["record_id"])
	assert.Equal(t, 2, err.Metadata["attempt"])
}

func TestWrapOpComponent(t *testing.T) {
	assert.Nil(t, WrapOpComponent(nil, OpStore, "store"))

	err := WrapOpComponent(errors.New("disk full"), OpStore, "store")
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, OpStore, syncErr.Op)
	assert.Equal(t, "store", syncErr.Component)
}

func TestWrapOpComponentKind(t *testing.T) {
	err := WrapOpComponentKind(errors.New("timeout"), OpPull, "transport", KindTransient)
	assert.True(t, IsRetryable(err))

	err = WrapOpComponentKind(errors.New("rejected"), OpPush, "transport", KindValidation)
	assert.False(t, IsRetryable(err))
}
