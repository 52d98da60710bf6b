// Package autosave turns answer edits into local state, a durable backup
// and network saves.
package autosave

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/transport"
	"k8s.io/utils/clock"
)

// DefaultDebounce is the quiet period before a sub-part edit is sent.
const DefaultDebounce = 600 * time.Millisecond

// Sender delivers a single answer.
type Sender interface {
	PostAnswer(ctx context.Context, rec model.AnswerRecord) error
}

// Enqueuer takes answers whose delivery failed.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec model.AnswerRecord)
}

type pending struct {
	timer clock.Timer
	gen   uint64
}

// Saver applies the per-answer save policy for one session. Single-part
// answers are sent immediately, sub-part answers are debounced per key.
type Saver struct {
	mu       sync.Mutex
	answers  map[string]string
	pending  map[string]pending
	inflight map[uint64]chan struct{}
	seq      uint64
	frozen   bool

	// requeueMu orders the check-then-enqueue of failed sends.
	requeueMu sync.Mutex

	sessionID string
	sender    Sender
	queue     Enqueuer
	store     storage.Storage
	clock     clock.WithDelayedExecution
	delay     time.Duration
	log       zerolog.Logger
}

// New creates a Saver for sessionID with an empty Local Answer Map.
func New(sessionID string, sender Sender, queue Enqueuer, store storage.Storage, clk clock.WithDelayedExecution, delay time.Duration, log zerolog.Logger) *Saver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Saver{
		answers:   make(map[string]string),
		pending:   make(map[string]pending),
		inflight:  make(map[uint64]chan struct{}),
		sessionID: sessionID,
		sender:    sender,
		queue:     queue,
		store:     store,
		clock:     clk,
		delay:     delay,
		log: log.With().
			Str("component", "autosave").
			Str("session_id", sessionID).
			Logger(),
	}
}

// SessionID returns the session the saver writes to.
func (s *Saver) SessionID() string {
	return s.sessionID
}

// SaveAnswer records an edit. It returns false, without touching any
// state, when the saver is frozen.
func (s *Saver) SaveAnswer(ctx context.Context, questionNumber int, subPart, value string) bool {
	key := model.LocalKey(questionNumber, subPart)
	rec := model.AnswerRecord{
		SessionID:      s.sessionID,
		QuestionNumber: questionNumber,
		SubPart:        subPart,
		Answer:         value,
		Timestamp:      s.clock.Now(),
	}

	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		s.log.Debug().Str("key", key).Msg("Edit ignored, answers are frozen")
		return false
	}
	s.answers[key] = value
	s.persistLocked(ctx)

	if subPart != "" {
		s.scheduleLocked(key)
		s.mu.Unlock()
		return true
	}

	done := s.trackLocked()
	s.mu.Unlock()

	go func() {
		defer s.untrack(done)
		s.deliver(context.WithoutCancel(ctx), rec)
	}()
	return true
}

// ─── Debounce ───────────────────────────────────────────────────────────────

func (s *Saver) scheduleLocked(key string) {
	prev, ok := s.pending[key]
	if ok {
		prev.timer.Stop()
	}
	gen := prev.gen + 1
	// AfterFunc callbacks may run while the clock holds its own lock, so the
	// fire path always continues on a fresh goroutine.
	t := s.clock.AfterFunc(s.delay, func() { go s.fire(key, gen) })
	s.pending[key] = pending{timer: t, gen: gen}
}

func (s *Saver) fire(key string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	rec, ok := s.recordLocked(key)
	if !ok {
		s.mu.Unlock()
		return
	}
	done := s.trackLocked()
	s.mu.Unlock()

	defer s.untrack(done)
	s.deliver(context.Background(), rec)
}

// FlushPending waits for immediate sends already in flight, then delivers
// the latest value of every key still waiting on its debounce, and waits
// for those deliveries to settle. Failed deliveries end up in the queue.
func (s *Saver) FlushPending(ctx context.Context) {
	s.mu.Lock()
	waits := make([]chan struct{}, 0, len(s.inflight))
	for _, ch := range s.inflight {
		waits = append(waits, ch)
	}
	records := make([]model.AnswerRecord, 0, len(s.pending))
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
		if rec, ok := s.recordLocked(key); ok {
			records = append(records, rec)
		}
	}
	s.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			for _, rec := range records {
				s.requeue(ctx, rec)
			}
			if len(records) > 0 {
				s.log.Warn().Int("count", len(records)).Msg("Debounced answers queued, flush interrupted")
			}
			return
		}
	}

	if len(records) == 0 {
		return
	}
	s.log.Info().Int("count", len(records)).Msg("Flushing debounced answers")

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliver(ctx, rec)
		}()
	}
	wg.Wait()
}

// PendingDebounces returns how many keys are waiting on their debounce.
func (s *Saver) PendingDebounces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// recordLocked builds the record to send for key from the Local Answer Map,
// which always holds the latest edit.
func (s *Saver) recordLocked(key string) (model.AnswerRecord, bool) {
	value, ok := s.answers[key]
	if !ok {
		return model.AnswerRecord{}, false
	}
	q, sub, err := model.ParseLocalKey(key)
	if err != nil {
		return model.AnswerRecord{}, false
	}
	return model.AnswerRecord{
		SessionID:      s.sessionID,
		QuestionNumber: q,
		SubPart:        sub,
		Answer:         value,
		Timestamp:      s.clock.Now(),
	}, true
}

// ─── Delivery ───────────────────────────────────────────────────────────────

func (s *Saver) trackLocked() uint64 {
	s.seq++
	s.inflight[s.seq] = make(chan struct{})
	return s.seq
}

func (s *Saver) untrack(id uint64) {
	s.mu.Lock()
	ch := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (s *Saver) deliver(ctx context.Context, rec model.AnswerRecord) {
	err := s.sender.PostAnswer(ctx, rec)
	switch {
	case err == nil:
		s.log.Debug().Str("key", rec.LocalKey()).Msg("Answer saved")
	case transport.IsPermanent(err):
		s.log.Warn().Err(err).Str("key", rec.LocalKey()).Msg("Answer rejected by server")
	default:
		s.log.Warn().Err(err).Str("key", rec.LocalKey()).Msg("Save failed")
		s.requeue(ctx, rec)
	}
}

// requeue hands a failed record to the queue unless the student has edited
// that answer since; the newer edit has its own send.
func (s *Saver) requeue(ctx context.Context, rec model.AnswerRecord) {
	key := rec.LocalKey()
	s.requeueMu.Lock()
	defer s.requeueMu.Unlock()

	s.mu.Lock()
	current, ok := s.answers[key]
	s.mu.Unlock()
	if !ok || current != rec.Answer {
		s.log.Debug().Str("key", key).Msg("Failed save superseded by a newer edit")
		return
	}
	s.queue.Enqueue(context.WithoutCancel(ctx), rec)
	s.log.Debug().Str("key", key).Msg("Queued for retry")
}

// ─── State ──────────────────────────────────────────────────────────────────

// Freeze stops accepting edits. Scheduled debounces still fire or are
// flushed by FlushPending.
func (s *Saver) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Unfreeze accepts edits again after a failed submit.
func (s *Saver) Unfreeze() {
	s.mu.Lock()
	s.frozen = false
	s.mu.Unlock()
}

// Frozen reports whether edits are ignored.
func (s *Saver) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Answers returns a copy of the Local Answer Map.
func (s *Saver) Answers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Answer returns the current local value of one answer.
func (s *Saver) Answer(questionNumber int, subPart string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.answers[model.LocalKey(questionNumber, subPart)]
	return v, ok
}

// Restore rebuilds the Local Answer Map after a reload. Answers the server
// already holds come first; the local backup overrides them since it holds
// every edit including undelivered ones. It returns the number of answers.
func (s *Saver) Restore(ctx context.Context, server map[string]string) int {
	backup := make(map[string]string)
	raw, ok, err := s.store.Get(ctx, config.StorageKey.AnswerBackup(s.sessionID))
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("Read answer backup failed")
	case ok:
		if err := json.Unmarshal([]byte(raw), &backup); err != nil {
			s.log.Warn().Err(err).Msg("Corrupt answer backup, ignoring")
			backup = map[string]string{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range server {
		s.answers[k] = v
	}
	for k, v := range backup {
		s.answers[k] = v
	}
	s.persistLocked(ctx)
	return len(s.answers)
}

// ClearBackup removes the durable backup once the session is submitted.
func (s *Saver) ClearBackup(ctx context.Context) {
	if err := s.store.Remove(ctx, config.StorageKey.AnswerBackup(s.sessionID)); err != nil {
		s.log.Warn().Err(err).Msg("Remove answer backup failed")
	}
}

// Close cancels every scheduled debounce without sending it.
func (s *Saver) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

func (s *Saver) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(s.answers)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, config.StorageKey.AnswerBackup(s.sessionID), string(raw)); err != nil {
		s.log.Debug().Err(err).Msg("Answer backup not written")
	}
}
