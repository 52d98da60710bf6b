// Package countdown tracks the time left in an exam session and fires an
// expiry callback exactly once when it runs out.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/visibility"
	"k8s.io/utils/clock"
)

// DefaultInterval is the tick cadence while running.
const DefaultInterval = time.Second

// Urgency bands shown next to the countdown.
const (
	WarningThreshold = 10 * time.Minute
	UrgentThreshold  = 5 * time.Minute
)

type State int

const (
	StateStopped State = iota
	StateRunning
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExpired:
		return "expired"
	default:
		return "stopped"
	}
}

type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyWarning
	UrgencyUrgent
)

func (u Urgency) String() string {
	switch u {
	case UrgencyWarning:
		return "warning"
	case UrgencyUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Classify maps remaining time to its urgency band.
func Classify(remaining time.Duration) Urgency {
	switch {
	case remaining <= UrgentThreshold:
		return UrgencyUrgent
	case remaining <= WarningThreshold:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}

// Format renders remaining time as HH:MM:SS, rounding partial seconds down.
func Format(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	total := int64(remaining / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// Tick is one recomputation of the countdown.
type Tick struct {
	Remaining time.Duration
	Urgency   Urgency
	State     State
}

type run struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (r *run) halt() {
	r.once.Do(func() { close(r.stop) })
}

// Timer counts down to a session deadline. Each Start begins a new run;
// the expiry callback fires at most once per run, on its own goroutine.
type Timer struct {
	mu        sync.Mutex
	timing    model.SessionTiming
	remaining time.Duration
	state     State
	run       *run
	unsubVis  func()
	listeners map[int]func(Tick)
	nextID    int

	clock    clock.WithTicker
	vis      visibility.Source
	interval time.Duration
	onExpire func()
	log      zerolog.Logger
}

// New creates a stopped Timer. vis may be nil.
func New(clk clock.WithTicker, vis visibility.Source, interval time.Duration, onExpire func(), log zerolog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		listeners: make(map[int]func(Tick)),
		clock:     clk,
		vis:       vis,
		interval:  interval,
		onExpire:  onExpire,
		log:       log.With().Str("component", "countdown").Logger(),
	}
}

// Start resets the timer to a new deadline and recomputes immediately. A
// deadline already in the past expires right away.
func (t *Timer) Start(startedAt time.Time, durationMinutes int) {
	t.Stop()

	r := &run{stop: make(chan struct{}), done: make(chan struct{})}

	timing := model.SessionTiming{StartedAt: startedAt, DurationMinutes: durationMinutes}

	t.mu.Lock()
	t.run = r
	t.timing = timing
	t.state = StateRunning
	t.mu.Unlock()

	t.log.Info().
		Time("deadline", timing.Deadline()).
		Int("duration_minutes", durationMinutes).
		Msg("Countdown started")

	ticker := t.clock.NewTicker(t.interval)
	go t.loop(r, ticker)

	if t.vis != nil {
		unsub := t.vis.OnVisible(func() { t.recompute(r) })
		t.mu.Lock()
		if t.run == r {
			t.unsubVis = unsub
			unsub = nil
		}
		t.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}

	t.recompute(r)
}

func (t *Timer) loop(r *run, ticker clock.Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
			t.recompute(r)
		}
	}
}

// Recompute refreshes the remaining time now instead of on the next tick.
func (t *Timer) Recompute() {
	t.mu.Lock()
	r := t.run
	t.mu.Unlock()
	if r != nil {
		t.recompute(r)
	}
}

func (t *Timer) recompute(r *run) {
	t.mu.Lock()
	if t.run != r || t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.remaining = t.timing.Remaining(t.clock.Now())
	expired := t.remaining == 0
	var unsub func()
	if expired {
		t.state = StateExpired
		unsub, t.unsubVis = t.unsubVis, nil
	}
	tick := Tick{Remaining: t.remaining, Urgency: Classify(t.remaining), State: t.state}
	listeners := make([]func(Tick), 0, len(t.listeners))
	for _, cb := range t.listeners {
		listeners = append(listeners, cb)
	}
	t.mu.Unlock()

	for _, cb := range listeners {
		cb(tick)
	}

	if expired {
		r.halt()
		if unsub != nil {
			unsub()
		}
		t.log.Info().Msg("Time is up")
		if t.onExpire != nil {
			go t.onExpire()
		}
	}
}

// Stop ends the current run, releasing its ticker and visibility
// subscription. It must not be called from an OnTick listener.
func (t *Timer) Stop() {
	t.mu.Lock()
	r := t.run
	t.run = nil
	unsub := t.unsubVis
	t.unsubVis = nil
	if t.state == StateRunning {
		t.state = StateStopped
	}
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if r != nil {
		r.halt()
		<-r.done
	}
}

// Remaining returns the time left as of the latest recomputation.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Urgency classifies the latest remaining time.
func (t *Timer) Urgency() Urgency {
	return Classify(t.Remaining())
}

// State returns the current timer state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Deadline returns the deadline of the current or last run.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timing.Deadline()
}

// OnTick subscribes cb to every recomputation and returns its unsubscribe.
func (t *Timer) OnTick(cb func(Tick)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
