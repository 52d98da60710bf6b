package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func push(t *testing.T, rdb *redis.Client, queue string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), queue, raw).Err())
}

func queueLen(t *testing.T, rdb *redis.Client, queue string) int64 {
	t.Helper()
	n, err := rdb.LLen(context.Background(), queue).Result()
	require.NoError(t, err)
	return n
}

// ─── Autosave ──────────────────────────────────────────────────────────

type answerWriter struct {
	mu       sync.Mutex
	failures int
	written  []model.PersistAnswerJob
}

func (w *answerWriter) UpsertAnswer(_ context.Context, job *model.PersistAnswerJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("db down")
	}
	w.written = append(w.written, *job)
	return nil
}

func (w *answerWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func TestAutosaveWorker_RetriesFailedWrites(t *testing.T) {
	_, rdb := newRedis(t)
	writer := &answerWriter{failures: 1}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	w.retryDelay = time.Millisecond
	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.PersistAnswerJob{SessionID: "S1", QuestionNumber: 36, SubPart: "a", Answer: "x = 2"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	require.Eventually(t, func() bool { return writer.count() == 1 }, waitFor, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "x = 2", writer.written[0].Answer)
	assert.Zero(t, queueLen(t, rdb, config.WorkerKey.PersistAnswersQueue))
}

func TestAutosaveWorker_Drain(t *testing.T) {
	_, rdb := newRedis(t)
	writer := &answerWriter{}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	for q := 1; q <= 3; q++ {
		push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.PersistAnswerJob{SessionID: "S1", QuestionNumber: q, Answer: "A"})
	}

	w.drain(context.Background())

	assert.Equal(t, 3, writer.count())
	assert.Zero(t, queueLen(t, rdb, config.WorkerKey.PersistAnswersQueue))
}

func TestAutosaveWorker_DrainStopsOnFailure(t *testing.T) {
	_, rdb := newRedis(t)
	writer := &answerWriter{failures: 1}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.PersistAnswerJob{SessionID: "S1", QuestionNumber: 1, Answer: "A"})

	w.drain(context.Background())

	assert.Zero(t, writer.count())
	assert.EqualValues(t, 1, queueLen(t, rdb, config.WorkerKey.PersistAnswersQueue))
}

// ─── Submissions ───────────────────────────────────────────────────────

type submissionWriter struct {
	mu      sync.Mutex
	bulkErr error
	failFor map[string]bool
	marked  []string
}

func (w *submissionWriter) MarkSubmitted(_ context.Context, batch []*model.PersistSubmissionJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(batch) > 1 && w.bulkErr != nil {
		return w.bulkErr
	}
	for _, p := range batch {
		if w.failFor[p.SessionID] {
			return errors.New("constraint violation")
		}
	}
	for _, p := range batch {
		w.marked = append(w.marked, p.SessionID)
	}
	return nil
}

func (w *submissionWriter) sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.marked...)
}

func TestSubmissionWorker_PersistsAndClearsAnswers(t *testing.T) {
	mr, rdb := newRedis(t)
	writer := &submissionWriter{}
	w := NewSubmissionWorker(writer, rdb, zerolog.Nop())
	mr.HSet(config.CacheKey.SessionAnswersKey("S1"), "5", "B")
	push(t, rdb, config.WorkerKey.PersistSubmissionsQueue, model.PersistSubmissionJob{SessionID: "S1", SubmittedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return queueLen(t, rdb, config.WorkerKey.PersistSubmissionsQueue) == 0
	}, waitFor, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"S1"}, writer.sessions())
	assert.False(t, mr.Exists(config.CacheKey.SessionAnswersKey("S1")))
}

func TestSubmissionWorker_FallbackRequeuesFailures(t *testing.T) {
	mr, rdb := newRedis(t)
	writer := &submissionWriter{bulkErr: errors.New("deadlock"), failFor: map[string]bool{"S2": true}}
	w := NewSubmissionWorker(writer, rdb, zerolog.Nop())
	mr.HSet(config.CacheKey.SessionAnswersKey("S1"), "5", "B")
	mr.HSet(config.CacheKey.SessionAnswersKey("S2"), "5", "C")

	w.flushSafe(context.Background(), []*model.PersistSubmissionJob{
		{SessionID: "S1", SubmittedAt: time.Now()},
		{SessionID: "S2", SubmittedAt: time.Now(), AutoSubmitted: true},
	})

	assert.Equal(t, []string{"S1"}, writer.sessions())
	assert.False(t, mr.Exists(config.CacheKey.SessionAnswersKey("S1")))
	assert.True(t, mr.Exists(config.CacheKey.SessionAnswersKey("S2")))

	raw, err := rdb.LRange(context.Background(), config.WorkerKey.PersistSubmissionsQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var job model.PersistSubmissionJob
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &job))
	assert.Equal(t, "S2", job.SessionID)
	assert.True(t, job.AutoSubmitted)
}
