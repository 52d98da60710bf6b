package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
	"k8s.io/utils/clock"
)

// Session errors, mapped to response codes by the handlers.
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrExamNotAvailable = errors.New("exam is not available")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotSessionOwner  = errors.New("session belongs to another student")
	ErrSessionSubmitted = errors.New("session already submitted")
	ErrTimeExpired      = errors.New("exam time expired")
)

// ExamStore is the exam lookup the session service needs.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// SessionStore is the durable session storage. Lookups return pgx.ErrNoRows
// when nothing matches.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) error
	ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error)
}

// ExamSessionService owns session timing, answer saves and submission.
// Redis is the hot path; PostgreSQL is written by the workers.
type ExamSessionService struct {
	exams    ExamStore
	sessions SessionStore
	rdb      *redis.Client
	rules    model.AnswerRules
	grace    time.Duration
	clock    clock.PassiveClock
	log      zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	exams ExamStore,
	sessions SessionStore,
	rdb *redis.Client,
	cfg *config.Config,
	clk clock.PassiveClock,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		exams:    exams,
		sessions: sessions,
		rdb:      rdb,
		rules:    model.DefaultAnswerRules(),
		grace:    cfg.AnswerGrace,
		clock:    clk,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// Start creates the student's session for examID, or returns the existing
// one. The session duration is fixed here.
func (s *ExamSessionService) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	lookupKey := config.CacheKey.StudentExamSessionKey(examID.String(), studentID)
	cached, err := s.rdb.Get(ctx, lookupKey).Result()
	switch {
	case err == nil:
		if id, perr := uuid.Parse(cached); perr == nil {
			if sess, lerr := s.loadSession(ctx, id); lerr == nil {
				return sess, nil
			}
		}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	existing, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if err == nil {
		s.cacheSession(ctx, existing)
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	now := s.clock.Now().UTC()
	duration := exam.SessionDuration(now)
	if !exam.Open(now) || duration <= 0 {
		return nil, ErrExamNotAvailable
	}

	sess := &model.ExamSession{
		ExamID:          examID,
		StudentID:       studentID,
		StartedAt:       now,
		DurationMinutes: duration,
		Status:          model.SessionStatusInProgress,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// Concurrent start from another device won the insert.
		sess, err = s.sessions.GetByExamAndStudent(ctx, examID, studentID)
		if err != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", err)
		}
	}

	s.cacheSession(ctx, sess)
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("student_id", studentID).
		Int("duration", sess.DurationMinutes).
		Msg("Session started")
	return sess, nil
}

// Authorize loads a session and checks that studentID owns it.
func (s *ExamSessionService) Authorize(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.StudentID != studentID {
		return nil, ErrNotSessionOwner
	}
	return sess, nil
}

// SaveAnswer stores one answer (latest write wins). A save arriving after
// the deadline plus grace closes the session instead.
func (s *ExamSessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, studentID int, req model.SaveAnswerRequest) error {
	sess, err := s.Authorize(ctx, sessionID, studentID)
	if err != nil {
		return err
	}

	submitted, err := s.IsSubmitted(ctx, sessionID)
	if err != nil {
		return err
	}
	if submitted {
		return ErrSessionSubmitted
	}

	subPart := req.SubPartValue()
	if err := s.rules.Validate(req.QuestionNumber, subPart, req.Answer); err != nil {
		return err
	}

	if s.clock.Now().After(sess.Timing().Deadline().Add(s.grace)) {
		if _, err := s.submit(ctx, sess, true); err != nil {
			return err
		}
		return ErrTimeExpired
	}

	id := sessionID.String()
	job, _ := json.Marshal(model.PersistAnswerJob{
		SessionID:      id,
		QuestionNumber: req.QuestionNumber,
		SubPart:        subPart,
		Answer:         req.Answer,
	})

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, config.CacheKey.SessionAnswersKey(id), model.LocalKey(req.QuestionNumber, subPart), req.Answer)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// Submit closes the session. Repeated calls succeed and report
// AlreadySubmitted with the first submission time.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.SubmitResult, error) {
	sess, err := s.Authorize(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, sess, false)
}

func (s *ExamSessionService) submit(ctx context.Context, sess *model.ExamSession, auto bool) (*model.SubmitResult, error) {
	id := sess.ID.String()
	key := config.CacheKey.SessionSubmittedKey(id)
	now := s.clock.Now().UTC()

	first, err := s.rdb.SetNX(ctx, key, now.Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	if !first {
		at := now
		if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				at = t
			}
		}
		return &model.SubmitResult{SessionID: id, AlreadySubmitted: true, SubmittedAt: at}, nil
	}

	job, _ := json.Marshal(model.PersistSubmissionJob{SessionID: id, SubmittedAt: now, AutoSubmitted: auto})
	event, _ := json.Marshal(ws.SubmittedEvent{Event: ws.EventSubmitted, AutoSubmitted: auto})

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, job)
	pipe.Publish(ctx, config.CacheKey.SessionEventsChannel(id), event)
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the guard so the client's retry can queue it again.
		s.rdb.Del(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("queue submission: %w", err)
	}

	s.log.Info().
		Str("session_id", id).
		Bool("auto_submitted", auto).
		Msg("Session submitted")
	return &model.SubmitResult{SessionID: id, SubmittedAt: now}, nil
}

// State returns what a reloading client needs: saved answers, remaining
// time and whether the session is closed.
func (s *ExamSessionService) State(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.SessionState, error) {
	sess, err := s.Authorize(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}

	answers, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	// The submission worker drops the Redis buffer once answers are persisted.
	if len(answers) == 0 {
		persisted, err := s.sessions.ListAnswers(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
		answers = persisted
	}

	submitted, err := s.IsSubmitted(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &model.SessionState{
		SessionID:        sessionID.String(),
		Answers:          answers,
		RemainingSeconds: sess.Timing().Remaining(s.clock.Now()).Seconds(),
		Submitted:        submitted,
	}, nil
}

// Remaining is the server's view of the time left in a session.
func (s *ExamSessionService) Remaining(ctx context.Context, sessionID uuid.UUID) (time.Duration, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.Timing().Remaining(s.clock.Now()), nil
}

// IsSubmitted reports whether the session has been closed.
func (s *ExamSessionService) IsSubmitted(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := s.rdb.Exists(ctx, config.CacheKey.SessionSubmittedKey(sessionID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("check submitted: %w", err)
	}
	return n > 0, nil
}

// SubscribeEvents subscribes to events pushed for a session.
func (s *ExamSessionService) SubscribeEvents(ctx context.Context, sessionID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(sessionID.String()))
}

// ─── Session metadata cache ────────────────────────────────────────────

func (s *ExamSessionService) loadSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	vals, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionMetaKey(sessionID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	if sess, ok := parseSessionMeta(sessionID, vals); ok {
		return sess, nil
	}

	// Cache miss (evicted or never cached): PostgreSQL is the source of truth.
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *ExamSessionService) cacheSession(ctx context.Context, sess *model.ExamSession) {
	id := sess.ID.String()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, config.CacheKey.SessionMetaKey(id), map[string]interface{}{
		"exam_id":    sess.ExamID.String(),
		"student_id": sess.StudentID,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration":   sess.DurationMinutes,
	})
	pipe.Set(ctx, config.CacheKey.StudentExamSessionKey(sess.ExamID.String(), sess.StudentID), id, 0)
	if sess.Status == model.SessionStatusSubmitted && sess.SubmittedAt != nil {
		pipe.SetNX(ctx, config.CacheKey.SessionSubmittedKey(id), sess.SubmittedAt.UTC().Format(time.RFC3339Nano), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("Failed to cache session")
	}
}

func parseSessionMeta(id uuid.UUID, vals map[string]string) (*model.ExamSession, bool) {
	if len(vals) == 0 {
		return nil, false
	}
	examID, err := uuid.Parse(vals["exam_id"])
	if err != nil {
		return nil, false
	}
	studentID, err := strconv.Atoi(vals["student_id"])
	if err != nil {
		return nil, false
	}
	startedAt, err := time.Parse(time.RFC3339Nano, vals["started_at"])
	if err != nil {
		return nil, false
	}
	duration, err := strconv.Atoi(vals["duration"])
	if err != nil {
		return nil, false
	}
	return &model.ExamSession{
		ID:              id,
		ExamID:          examID,
		StudentID:       studentID,
		StartedAt:       startedAt,
		DurationMinutes: duration,
		Status:          model.SessionStatusInProgress,
	}, true
}
