package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
)

const (
	SubmissionBatchSize    = 50
	SubmissionBatchTimeout = 2 * time.Second
	SubmissionPollTimeout  = 1 * time.Second
)

// SubmissionWriter marks sessions submitted in durable storage.
type SubmissionWriter interface {
	MarkSubmitted(ctx context.Context, batch []*model.PersistSubmissionJob) error
}

// PgSubmissionWriter updates exam_sessions in one statement per batch.
type PgSubmissionWriter struct {
	pool *pgxpool.Pool
}

// NewPgSubmissionWriter creates a PgSubmissionWriter.
func NewPgSubmissionWriter(pool *pgxpool.Pool) *PgSubmissionWriter {
	return &PgSubmissionWriter{pool: pool}
}

// MarkSubmitted runs a bulk UPDATE using UNNEST. Sessions already
// submitted keep their first submission time.
func (w *PgSubmissionWriter) MarkSubmitted(ctx context.Context, batch []*model.PersistSubmissionJob) error {
	n := len(batch)
	ids := make([]uuid.UUID, 0, n)
	submittedAts := make([]time.Time, 0, n)
	autos := make([]bool, 0, n)

	for _, p := range batch {
		id, err := uuid.Parse(p.SessionID)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		submittedAts = append(submittedAts, p.SubmittedAt)
		autos = append(autos, p.AutoSubmitted)
	}

	query := `
		UPDATE exam_sessions AS s
		SET status = 'SUBMITTED',
		    submitted_at = t.submitted_at,
		    auto_submitted = t.auto_submitted
		FROM (
			SELECT u.id, u.submitted_at, u.auto_submitted
			FROM UNNEST(
				$1::uuid[],
				$2::timestamptz[],
				$3::bool[]
			) AS u (id, submitted_at, auto_submitted)
		) AS t
		WHERE s.id = t.id
		  AND s.status <> 'SUBMITTED'
	`

	_, err := w.pool.Exec(ctx, query, ids, submittedAts, autos)
	return err
}

// SubmissionWorker batches submitted sessions into PostgreSQL and then
// releases their Redis answer buffers.
type SubmissionWorker struct {
	writer SubmissionWriter
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewSubmissionWorker creates a new SubmissionWorker.
func NewSubmissionWorker(writer SubmissionWriter, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		writer: writer,
		rdb:    rdb,
		log:    log.With().Str("component", "submission_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.PersistSubmissionJob, 0, SubmissionBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SubmissionBatchSize || time.Since(lastFlush) >= SubmissionBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, SubmissionPollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p model.PersistSubmissionJob
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// ----------------------------------------------------------------
// Batch update with per-item fallback
// ----------------------------------------------------------------

func (w *SubmissionWorker) flushSafe(ctx context.Context, batch []*model.PersistSubmissionJob) {
	if len(batch) == 0 {
		return
	}

	if err := w.writer.MarkSubmitted(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("bulk submission update failed, using fallback")

		var done []*model.PersistSubmissionJob
		for _, p := range batch {
			if err := w.writer.MarkSubmitted(ctx, []*model.PersistSubmissionJob{p}); err != nil {
				w.log.Error().Err(err).Str("session_id", p.SessionID).Msg("single update failed, requeueing")
				raw, _ := json.Marshal(p)
				w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSubmissionsQueue, raw)
				continue
			}
			done = append(done, p)
		}
		w.clearAnswerBuffers(ctx, done)
		return
	}

	w.clearAnswerBuffers(ctx, batch)
	w.log.Debug().Int("count", len(batch)).Msg("Submissions persisted")
}

// clearAnswerBuffers drops the Redis answer hashes once their sessions are
// closed in PostgreSQL. Answers still in the autosave queue are unaffected.
func (w *SubmissionWorker) clearAnswerBuffers(ctx context.Context, batch []*model.PersistSubmissionJob) {
	if len(batch) == 0 {
		return
	}
	pipe := w.rdb.Pipeline()
	for _, p := range batch {
		pipe.Del(ctx, config.CacheKey.SessionAnswersKey(p.SessionID))
	}
	_, _ = pipe.Exec(context.WithoutCancel(ctx))
}
