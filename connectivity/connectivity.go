// Package connectivity observes network reachability and turns
// offline-to-online transitions into sync triggers. It never triggers a
// cycle while offline.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/medirec/offsync/logging"
)

// State is the observed connectivity state.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Probe reports whether the remote is currently reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe probes reachability with a HEAD request against url. Any
// response, including an error status, counts as reachable; only transport
// failures count as offline.
func HTTPProbe(url string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Trigger is the slice of the engine the monitor drives on reconnect.
type Trigger interface {
	TriggerPending(ctx context.Context) error
}

// Listener receives connectivity transitions.
type Listener func(online bool)

// Config tunes the monitor.
type Config struct {
	// Interval between probes. Default 15s.
	Interval time.Duration

	// ProbeTimeout bounds one probe. Default 5s.
	ProbeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Monitor tracks reachability and fires triggers and listeners on
// transitions. The state can also be driven explicitly with SetOnline, for
// environments that surface their own reachability signal.
type Monitor struct {
	probe   Probe
	trigger Trigger
	cfg     Config
	logger  *logging.Logger

	mu        sync.Mutex
	state     State
	listeners map[uint64]Listener
	nextID    uint64
	stop      chan struct{}
}

// NewMonitor creates a monitor. The probe may be nil when the state is
// driven exclusively through SetOnline.
func NewMonitor(probe Probe, trigger Trigger, cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		probe:     probe,
		trigger:   trigger,
		cfg:       cfg,
		logger:    logging.WithComponent(logging.Component("connectivity")),
		state:     StateUnknown,
		listeners: make(map[uint64]Listener),
	}
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the last observation was online.
func (m *Monitor) Online() bool { return m.State() == StateOnline }

// Subscribe registers a transition listener and returns its deregistration
// handle.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline injects an observed state, e.g. from a platform reachability
// callback. An offline-to-online transition triggers pending sync cycles.
func (m *Monitor) SetOnline(online bool) {
	next := StateOffline
	if online {
		next = StateOnline
	}

	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)

	for _, l := range listeners {
		go func(l Listener) {
			defer func() {
				_ = recover()
			}()
			l(online)
		}(l)
	}

	// Only the offline-to-online edge triggers cycles. Coming online from
	// unknown also counts: the app just started and may hold journal
	// entries from a previous run.
	if online && m.trigger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		defer cancel()
		if err := m.trigger.TriggerPending(ctx); err != nil {
			m.logger.LogError(ctx, err, "reconnect trigger failed")
		}
	}
}

// Start launches the probe loop. Returns immediately; Stop ends the loop.
// Calling Start without a probe is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}

	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.observe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.observe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *Monitor) observe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	m.SetOnline(m.probe(probeCtx))
}
