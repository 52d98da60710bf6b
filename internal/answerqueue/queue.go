// Package answerqueue holds answers that were attempted but not confirmed
// delivered, persisted so they survive a restart.
package answerqueue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/transport"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// DefaultFlushConcurrency bounds deliveries in flight during one flush.
const DefaultFlushConcurrency = 8

// Sender delivers a single answer.
type Sender interface {
	PostAnswer(ctx context.Context, rec model.AnswerRecord) error
}

// Queue is a deduplicated, latest-wins list of undelivered answers.
// At most one record per AnswerRecord.Key exists at any time and at most
// one Flush runs at a time.
type Queue struct {
	mu        sync.Mutex
	records   []model.AnswerRecord
	listeners map[int]func(count int)
	nextID    int
	// flushDone is non-nil while a flush runs and is closed when it ends.
	flushDone chan struct{}

	store       storage.Storage
	key         string
	sender      Sender
	clock       clock.PassiveClock
	concurrency int
	log         zerolog.Logger
}

// New creates a Queue hydrated from store. Unreadable or corrupt data
// starts the queue empty.
func New(ctx context.Context, store storage.Storage, sender Sender, clk clock.PassiveClock, log zerolog.Logger) *Queue {
	q := &Queue{
		listeners:   make(map[int]func(int)),
		store:       store,
		key:         config.StorageKey.AnswerQueue(),
		sender:      sender,
		clock:       clk,
		concurrency: DefaultFlushConcurrency,
		log:         log.With().Str("component", "answer_queue").Logger(),
	}
	q.load(ctx)
	return q
}

// SetConcurrency changes how many deliveries a flush runs at once.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.concurrency = n
	q.mu.Unlock()
}

func (q *Queue) load(ctx context.Context) {
	raw, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.log.Warn().Err(err).Msg("Load queue failed, starting empty")
		return
	}
	if !ok || raw == "" {
		return
	}
	var records []model.AnswerRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		q.log.Warn().Err(err).Msg("Corrupt queue data, starting empty")
		return
	}
	q.records = records
	if len(records) > 0 {
		q.log.Info().Int("count", len(records)).Msg("Restored pending answers")
	}
}

// persistLocked writes the whole queue. Failures are logged and swallowed:
// the in-memory queue stays authoritative.
func (q *Queue) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(q.records)
	if err != nil {
		q.log.Error().Err(err).Msg("Marshal queue failed")
		return
	}
	if err := q.store.Set(ctx, q.key, string(raw)); err != nil {
		q.log.Warn().Err(err).Int("count", len(q.records)).Msg("Persist queue failed")
	}
}

// notify calls every subscriber with count, outside the lock.
func (q *Queue) notify(count int) {
	q.mu.Lock()
	cbs := make([]func(int), 0, len(q.listeners))
	for _, cb := range q.listeners {
		cbs = append(cbs, cb)
	}
	q.mu.Unlock()

	for _, cb := range cbs {
		cb(count)
	}
}

// Enqueue adds rec, replacing any queued record with the same key.
func (q *Queue) Enqueue(ctx context.Context, rec model.AnswerRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = q.clock.Now()
	}
	key := rec.Key()

	q.mu.Lock()
	replaced := false
	for i := range q.records {
		if q.records[i].Key() == key {
			q.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		q.records = append(q.records, rec)
	}
	q.persistLocked(ctx)
	count := len(q.records)
	q.mu.Unlock()

	q.log.Debug().
		Str("key", key).
		Bool("replaced", replaced).
		Int("pending", count).
		Msg("Answer queued")
	q.notify(count)
}

// Flush delivers every queued record concurrently and removes the ones the
// server accepted. It never returns delivery errors; failed records stay
// queued for the next flush. A record replaced by a newer Enqueue while the
// flush was running is kept. If another flush is running, Flush returns
// at once.
func (q *Queue) Flush(ctx context.Context) {
	q.flush(ctx)
}

// FlushAndWait is Flush for callers that need every queued record attempted
// before they continue: a flush already running is waited for, then the
// queue is flushed again. It returns early only when ctx is done.
func (q *Queue) FlushAndWait(ctx context.Context) {
	for {
		q.mu.Lock()
		running := q.flushDone
		q.mu.Unlock()

		if running == nil {
			if q.flush(ctx) {
				return
			}
			// Another flush started in between.
			continue
		}
		select {
		case <-running:
		case <-ctx.Done():
			return
		}
	}
}

// flush reports false when it did not run because another flush holds the
// queue.
func (q *Queue) flush(ctx context.Context) bool {
	q.mu.Lock()
	if q.flushDone != nil {
		q.mu.Unlock()
		return false
	}
	if len(q.records) == 0 {
		q.mu.Unlock()
		return true
	}
	done := make(chan struct{})
	q.flushDone = done
	snapshot := append([]model.AnswerRecord(nil), q.records...)
	limit := q.concurrency
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushDone = nil
		q.mu.Unlock()
		close(done)
	}()

	var (
		sentMu sync.Mutex
		sent   = make(map[string]model.AnswerRecord, len(snapshot))
		failed int
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, rec := range snapshot {
		g.Go(func() error {
			err := q.sender.PostAnswer(ctx, rec)
			sentMu.Lock()
			defer sentMu.Unlock()
			switch {
			case err == nil:
				sent[rec.Key()] = rec
			case transport.IsPermanent(err):
				q.log.Warn().Err(err).Str("key", rec.Key()).Msg("Answer rejected by server, dropping")
				sent[rec.Key()] = rec
			default:
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(sent) == 0 {
		q.log.Debug().Int("failed", failed).Msg("Flush delivered nothing")
		return true
	}

	q.mu.Lock()
	kept := q.records[:0]
	for _, rec := range q.records {
		if delivered, ok := sent[rec.Key()]; ok && sameRecord(delivered, rec) {
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	q.persistLocked(ctx)
	count := len(q.records)
	q.mu.Unlock()

	q.log.Info().
		Int("delivered", len(sent)).
		Int("failed", failed).
		Int("pending", count).
		Msg("Answer queue flushed")
	q.notify(count)
	return true
}

func sameRecord(a, b model.AnswerRecord) bool {
	return a.Answer == b.Answer && a.Timestamp.Equal(b.Timestamp)
}

// PendingCount returns the number of queued records.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Records returns a copy of the queued records in queue order.
func (q *Queue) Records() []model.AnswerRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.AnswerRecord(nil), q.records...)
}

// OnChange subscribes cb to queue size changes and returns its unsubscribe.
func (q *Queue) OnChange(cb func(count int)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = cb
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Clear drops every record of sessionID. Called once the session is
// submitted so stale answers are never retried.
func (q *Queue) Clear(ctx context.Context, sessionID string) {
	q.mu.Lock()
	before := len(q.records)
	kept := q.records[:0]
	for _, rec := range q.records {
		if rec.SessionID != sessionID {
			kept = append(kept, rec)
		}
	}
	q.records = kept
	changed := len(q.records) != before
	if changed {
		q.persistLocked(ctx)
	}
	count := len(q.records)
	q.mu.Unlock()

	if changed {
		q.log.Info().Str("session_id", sessionID).Int("removed", before-count).Msg("Cleared session answers")
		q.notify(count)
	}
}
