package answerqueue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/transport"
	"github.com/stemsi/exstem-sync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var errNetwork = errors.New("network down")

func newQueue(t *testing.T, store storage.Storage, sender Sender) (*Queue, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	return New(context.Background(), store, sender, clk, zerolog.Nop()), clk
}

func rec(q int, sub, answer string) model.AnswerRecord {
	return model.AnswerRecord{SessionID: "S1", QuestionNumber: q, SubPart: sub, Answer: answer}
}

func TestEnqueue_SameKeyKeepsLatest(t *testing.T) {
	q, _ := newQueue(t, storage.NewMemory(), transporttest.New())
	ctx := context.Background()

	q.Enqueue(ctx, rec(36, "a", "first"))
	q.Enqueue(ctx, rec(36, "a", "second"))

	records := q.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "second", records[0].Answer)
	assert.Equal(t, 1, q.PendingCount())
}

func TestEnqueue_DistinctKeysAppendInOrder(t *testing.T) {
	q, _ := newQueue(t, storage.NewMemory(), transporttest.New())
	ctx := context.Background()

	q.Enqueue(ctx, rec(36, "a", "x"))
	q.Enqueue(ctx, rec(36, "b", "y"))
	q.Enqueue(ctx, rec(5, "", "B"))
	q.Enqueue(ctx, model.AnswerRecord{SessionID: "S2", QuestionNumber: 5, Answer: "C"})

	records := q.Records()
	require.Len(t, records, 4)
	assert.Equal(t, "36_a", records[0].LocalKey())
	assert.Equal(t, "36_b", records[1].LocalKey())
	assert.Equal(t, "5", records[2].LocalKey())
	assert.Equal(t, "S2", records[3].SessionID)
}

func TestEnqueue_StampsMissingTimestamp(t *testing.T) {
	q, clk := newQueue(t, storage.NewMemory(), transporttest.New())

	q.Enqueue(context.Background(), rec(1, "", "A"))

	assert.True(t, q.Records()[0].Timestamp.Equal(clk.Now()))
}

func TestEnqueue_PersistFailureKeepsRecordInMemory(t *testing.T) {
	store := storage.NewMemory()
	store.SetFailing(true)
	q, _ := newQueue(t, store, transporttest.New())

	q.Enqueue(context.Background(), rec(1, "", "A"))

	assert.Equal(t, 1, q.PendingCount())
	_, ok, _ := store.Get(context.Background(), config.StorageKey.AnswerQueue())
	assert.False(t, ok)
}

func TestFlush_RemovesOnlyDelivered(t *testing.T) {
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, r model.AnswerRecord) error {
		if r.QuestionNumber == 2 {
			return errNetwork
		}
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(1, "", "A"))
	q.Enqueue(ctx, rec(2, "", "B"))
	q.Enqueue(ctx, rec(3, "", "C"))

	q.Flush(ctx)

	records := q.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].QuestionNumber)
	assert.Len(t, fake.CallsOf(transporttest.KindAnswer), 3)
}

func TestFlush_ConcurrentCallIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, _ model.AnswerRecord) error {
		started <- struct{}{}
		<-release
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(1, "", "A"))
	q.Enqueue(ctx, rec(2, "", "B"))
	q.Enqueue(ctx, rec(3, "", "C"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Flush(ctx)
	}()
	for range 3 {
		<-started
	}

	q.Flush(ctx)
	close(release)
	wg.Wait()

	assert.Len(t, fake.CallsOf(transporttest.KindAnswer), 3)
	assert.Zero(t, q.PendingCount())
}

func TestFlushAndWait_WaitsForRunningFlushAndRetries(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, _ model.AnswerRecord) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
			return errNetwork
		}
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(5, "", "B"))

	go q.Flush(ctx)
	<-started

	done := make(chan struct{})
	go func() {
		q.FlushAndWait(ctx)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("FlushAndWait returned while a flush was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	assert.Zero(t, q.PendingCount())
	assert.Len(t, fake.CallsOf(transporttest.KindAnswer), 2)
}

func TestFlushAndWait_StopsWhenContextDone(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, _ model.AnswerRecord) error {
		close(started)
		<-release
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	q.Enqueue(context.Background(), rec(5, "", "B"))
	go q.Flush(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q.FlushAndWait(ctx)

	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.Equal(t, 1, q.PendingCount())
}

func TestFlush_KeepsRecordReplacedMidFlush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, _ model.AnswerRecord) error {
		close(started)
		<-release
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(36, "a", "old"))

	done := make(chan struct{})
	go func() {
		q.Flush(ctx)
		close(done)
	}()
	<-started
	q.Enqueue(ctx, rec(36, "a", "new"))
	q.Enqueue(ctx, rec(37, "a", "other"))
	close(release)
	<-done

	records := q.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].Answer)
	assert.Equal(t, 37, records[1].QuestionNumber)
}

func TestFlush_DropsPermanentRejections(t *testing.T) {
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, r model.AnswerRecord) error {
		switch r.QuestionNumber {
		case 1:
			return &transport.StatusError{StatusCode: http.StatusForbidden, Code: transport.CodeSessionSubmitted}
		case 2:
			return &transport.StatusError{StatusCode: http.StatusTooManyRequests}
		default:
			return &transport.StatusError{StatusCode: http.StatusBadGateway}
		}
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(1, "", "A"))
	q.Enqueue(ctx, rec(2, "", "B"))
	q.Enqueue(ctx, rec(3, "", "C"))

	q.Flush(ctx)

	records := q.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].QuestionNumber)
	assert.Equal(t, 3, records[1].QuestionNumber)
}

func TestFlush_EmptyQueueSendsNothing(t *testing.T) {
	fake := transporttest.New()
	q, _ := newQueue(t, storage.NewMemory(), fake)

	q.Flush(context.Background())

	assert.Empty(t, fake.Calls())
}

func TestFlush_RespectsConcurrencyLimit(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	fake := transporttest.New()
	fake.AnswerFunc = func(_ context.Context, _ model.AnswerRecord) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	q, _ := newQueue(t, storage.NewMemory(), fake)
	q.SetConcurrency(2)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		q.Enqueue(ctx, rec(i, "", "A"))
	}

	q.Flush(ctx)

	assert.Zero(t, q.PendingCount())
	assert.LessOrEqual(t, peak, 2)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	q, _ := newQueue(t, store, transporttest.New())
	q.Enqueue(ctx, rec(5, "", "B"))
	q.Enqueue(ctx, rec(36, "a", "x^2 + 1"))
	before := q.Records()

	restarted, _ := newQueue(t, store, transporttest.New())

	after := restarted.Records()
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].Key(), after[i].Key())
		assert.Equal(t, before[i].Answer, after[i].Answer)
		assert.True(t, before[i].Timestamp.Equal(after[i].Timestamp))
	}
}

func TestQueue_CorruptStorageStartsEmpty(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Set(context.Background(), config.StorageKey.AnswerQueue(), "{not json"))

	q, _ := newQueue(t, store, transporttest.New())

	assert.Zero(t, q.PendingCount())
}

func TestOnChange_NotifiesEverySubscriberUntilUnsubscribed(t *testing.T) {
	q, _ := newQueue(t, storage.NewMemory(), transporttest.New())
	ctx := context.Background()

	var first, second []int
	unsubFirst := q.OnChange(func(n int) { first = append(first, n) })
	q.OnChange(func(n int) { second = append(second, n) })

	q.Enqueue(ctx, rec(1, "", "A"))
	unsubFirst()
	q.Enqueue(ctx, rec(2, "", "B"))
	q.Flush(ctx)

	assert.Equal(t, []int{1}, first)
	assert.Equal(t, []int{1, 2, 0}, second)
}

func TestOnChange_FlushWithoutRemovalDoesNotNotify(t *testing.T) {
	fake := transporttest.New()
	fake.SetOffline(true)
	q, _ := newQueue(t, storage.NewMemory(), fake)
	ctx := context.Background()
	q.Enqueue(ctx, rec(1, "", "A"))

	var counts []int
	q.OnChange(func(n int) { counts = append(counts, n) })
	q.Flush(ctx)

	assert.Empty(t, counts)
	assert.Equal(t, 1, q.PendingCount())
}

func TestClear_RemovesOnlySession(t *testing.T) {
	store := storage.NewMemory()
	q, _ := newQueue(t, store, transporttest.New())
	ctx := context.Background()
	q.Enqueue(ctx, rec(1, "", "A"))
	q.Enqueue(ctx, model.AnswerRecord{SessionID: "S2", QuestionNumber: 1, Answer: "D"})

	q.Clear(ctx, "S1")

	records := q.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "S2", records[0].SessionID)

	restarted, _ := newQueue(t, store, transporttest.New())
	assert.Equal(t, 1, restarted.PendingCount())
}
