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
	AnswerPollTimeout = time.Second
	AnswerRetryDelay  = 5 * time.Second
)

// AnswerWriter persists one answer.
type AnswerWriter interface {
	UpsertAnswer(ctx context.Context, job *model.PersistAnswerJob) error
}

// PgAnswerWriter UPSERTs answers into student_answers.
type PgAnswerWriter struct {
	pool *pgxpool.Pool
}

// NewPgAnswerWriter creates a PgAnswerWriter.
func NewPgAnswerWriter(pool *pgxpool.Pool) *PgAnswerWriter {
	return &PgAnswerWriter{pool: pool}
}

func (w *PgAnswerWriter) UpsertAnswer(ctx context.Context, job *model.PersistAnswerJob) error {
	sessionID, err := uuid.Parse(job.SessionID)
	if err != nil {
		return err
	}

	// Latest write wins.
	_, err = w.pool.Exec(ctx,
		`INSERT INTO student_answers (session_id, question_number, sub_part, answer)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_number, sub_part) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = NOW()`,
		sessionID, job.QuestionNumber, job.SubPart, job.Answer,
	)
	return err
}

// AutosaveWorker consumes the answers queue and persists each answer.
type AutosaveWorker struct {
	writer     AnswerWriter
	rdb        *redis.Client
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(writer AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		writer:     writer,
		rdb:        rdb,
		retryDelay: AnswerRetryDelay,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the worker loop and returns after draining on ctx cancel.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, AnswerPollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var job model.PersistAnswerJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.writer.UpsertAnswer(ctx, &job); err != nil {
		w.log.Error().Err(err).
			Str("session_id", job.SessionID).
			Int("question_number", job.QuestionNumber).
			Msg("Persist error, retrying")
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var job model.PersistAnswerJob
		if err := json.Unmarshal([]byte(result), &job); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.writer.UpsertAnswer(ctx, &job); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
