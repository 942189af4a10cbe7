package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingTrigger) TriggerPending(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSetOnline_TriggersOnReconnectOnly(t *testing.T) {
	trigger := &recordingTrigger{}
	m := NewMonitor(nil, trigger, Config{})

	assert.Equal(t, StateUnknown, m.State())

	// Coming online, even from unknown, triggers pending cycles.
	m.SetOnline(true)
	assert.Equal(t, StateOnline, m.State())
	assert.Equal(t, 1, trigger.count())

	// Staying online is not a transition.
	m.SetOnline(true)
	assert.Equal(t, 1, trigger.count())

	// Going offline never triggers.
	m.SetOnline(false)
	assert.Equal(t, StateOffline, m.State())
	assert.Equal(t, 1, trigger.count())

	// The offline-to-online edge triggers again.
	m.SetOnline(true)
	assert.Equal(t, 2, trigger.count())
}

func TestSubscribe_ListenersSeeTransitions(t *testing.T) {
	m := NewMonitor(nil, nil, Config{})

	var mu sync.Mutex
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	m.SetOnline(true)
	m.SetOnline(false)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)

	unsubscribe()
	m.SetOnline(true)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.URL, time.Second)
	assert.True(t, probe(context.Background()))

	srv.Close()
	assert.False(t, probe(context.Background()))
}

func TestStart_ProbeLoopObservesState(t *testing.T) {
	trigger := &recordingTrigger{}

	var mu sync.Mutex
	online := true
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}

	m := NewMonitor(probe, trigger, Config{Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return m.Online() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, trigger.count())

	mu.Lock()
	online = false
	mu.Unlock()
	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, 10*time.Millisecond)

	mu.Lock()
	online = true
	mu.Unlock()
	require.Eventually(t, func() bool { return trigger.count() == 2 }, time.Second, 10*time.Millisecond)
}
