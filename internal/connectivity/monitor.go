// Package connectivity decides whether the sync server is currently usable
// from a link signal and periodic heartbeat probes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const (
	DefaultHeartbeat        = 30 * time.Second
	DefaultFailureThreshold = 2
)

type Status int

const (
	StatusOnline Status = iota
	StatusOffline
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "online"
	}
}

// Prober is a cheap reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

type subscribers[T any] struct {
	next int
	m    map[int]T
}

func (s *subscribers[T]) add(mu *sync.Mutex, v T) func() {
	mu.Lock()
	if s.m == nil {
		s.m = make(map[int]T)
	}
	id := s.next
	s.next++
	s.m[id] = v
	mu.Unlock()
	return func() {
		mu.Lock()
		delete(s.m, id)
		mu.Unlock()
	}
}

func (s *subscribers[T]) snapshot() []T {
	out := make([]T, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}
	return out
}

// Monitor tracks the connection status. Recovery subscribers run on every
// transition back to online; heartbeat subscribers run after every
// successful probe. Subscribers run on the goroutine that observed the
// event and may block it.
type Monitor struct {
	mu       sync.Mutex
	status   Status
	failures int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	onRecover   subscribers[func()]
	onHeartbeat subscribers[func()]
	onStatus    subscribers[func(Status)]

	prober    Prober
	clock     clock.WithTicker
	interval  time.Duration
	threshold int
	log       zerolog.Logger
}

// New creates a Monitor that assumes it starts online.
func New(prober Prober, clk clock.WithTicker, interval time.Duration, threshold int, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &Monitor{
		status:    StatusOnline,
		prober:    prober,
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		log:       log.With().Str("component", "connectivity").Logger(),
	}
}

// Start runs the heartbeat until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends the heartbeat and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes once and updates the status.
func (m *Monitor) Check(ctx context.Context) Status {
	err := m.prober.Probe(ctx)

	m.mu.Lock()
	prev := m.status
	if err == nil {
		m.failures = 0
		m.status = StatusOnline
	} else {
		m.failures++
		if m.status == StatusOnline && m.failures >= m.threshold {
			m.status = StatusUnreachable
		}
	}
	next, failures := m.status, m.failures
	m.mu.Unlock()

	if err != nil {
		m.log.Debug().Err(err).Int("failures", failures).Msg("Heartbeat failed")
	}
	m.transition(prev, next)
	if err == nil {
		m.fireHeartbeat()
	}
	return next
}

// SetLink feeds the link signal: up=false means the link is known to be
// down, up=true that it came back.
func (m *Monitor) SetLink(up bool) {
	m.mu.Lock()
	prev := m.status
	if up {
		m.status = StatusOnline
		m.failures = 0
	} else {
		m.status = StatusOffline
	}
	next := m.status
	m.mu.Unlock()

	m.transition(prev, next)
}

func (m *Monitor) transition(prev, next Status) {
	if prev == next {
		return
	}
	m.log.Info().Stringer("from", prev).Stringer("to", next).Msg("Connection status changed")

	m.mu.Lock()
	statusCbs := m.onStatus.snapshot()
	var recoverCbs []func()
	if next == StatusOnline {
		recoverCbs = m.onRecover.snapshot()
	}
	m.mu.Unlock()

	for _, cb := range statusCbs {
		cb(next)
	}
	for _, cb := range recoverCbs {
		cb()
	}
}

func (m *Monitor) fireHeartbeat() {
	m.mu.Lock()
	cbs := m.onHeartbeat.snapshot()
	m.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// OnRecover subscribes cb to transitions back to online.
func (m *Monitor) OnRecover(cb func()) func() {
	return m.onRecover.add(&m.mu, cb)
}

// OnHeartbeat subscribes cb to successful probes.
func (m *Monitor) OnHeartbeat(cb func()) func() {
	return m.onHeartbeat.add(&m.mu, cb)
}

// OnStatusChange subscribes cb to every status change.
func (m *Monitor) OnStatusChange(cb func(Status)) func() {
	return m.onStatus.add(&m.mu, cb)
}
