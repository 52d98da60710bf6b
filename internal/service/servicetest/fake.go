// Package servicetest provides in-memory exam and session stores for tests
// of the session service and the layers above it.
package servicetest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-sync/internal/model"
)

// Exams is an in-memory service.ExamStore.
type Exams struct {
	mu    sync.Mutex
	exams map[uuid.UUID]model.Exam
}

// NewExams returns a store holding exams.
func NewExams(exams ...model.Exam) *Exams {
	s := &Exams{exams: make(map[uuid.UUID]model.Exam)}
	for _, e := range exams {
		s.exams[e.ID] = e
	}
	return s
}

func (s *Exams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &e, nil
}

// Sessions is an in-memory service.SessionStore with the same uniqueness
// rule as the exam_sessions table.
type Sessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]model.ExamSession
	answers  map[uuid.UUID]map[string]string
	creates  int
	// CreateErr, when set, is returned by Create.
	CreateErr error
}

// NewSessions returns an empty store.
func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[uuid.UUID]model.ExamSession),
		answers:  make(map[uuid.UUID]map[string]string),
	}
}

func (s *Sessions) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &sess, nil
}

func (s *Sessions) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ExamID == examID && sess.StudentID == studentID {
			return &sess, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// Create assigns an id. A duplicate (exam, student) pair returns
// pgx.ErrNoRows like ON CONFLICT DO NOTHING RETURNING does.
func (s *Sessions) Create(_ context.Context, sess *model.ExamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	for _, existing := range s.sessions {
		if existing.ExamID == sess.ExamID && existing.StudentID == sess.StudentID {
			return pgx.ErrNoRows
		}
	}
	sess.ID = uuid.New()
	s.sessions[sess.ID] = *sess
	s.creates++
	return nil
}

func (s *Sessions) ListAnswers(_ context.Context, sessionID uuid.UUID) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers[sessionID]))
	for k, v := range s.answers[sessionID] {
		out[k] = v
	}
	return out, nil
}

// Put stores sess as is, e.g. a session created by another server.
func (s *Sessions) Put(sess model.ExamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// PutAnswers sets the persisted answers of a session.
func (s *Sessions) PutAnswers(sessionID uuid.UUID, answers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[sessionID] = answers
}

// Creates counts successful inserts.
func (s *Sessions) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}
