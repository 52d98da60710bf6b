package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states as persisted by the server.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
)

// ExamSession represents a student's exam attempt.
type ExamSession struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	StudentID       int           `json:"student_id"`
	StartedAt       time.Time     `json:"started_at"`
	DurationMinutes int           `json:"duration"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	AutoSubmitted   bool          `json:"auto_submitted"`
	Status          SessionStatus `json:"status"`
}

// SessionStart is returned when a student starts (or resumes) an exam.
type SessionStart struct {
	SessionID       string    `json:"session_id"`
	ExamID          string    `json:"exam_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration"`
}

// Timing returns the immutable timing of the session.
func (s SessionStart) Timing() SessionTiming {
	return SessionTiming{StartedAt: s.StartedAt, DurationMinutes: s.DurationMinutes}
}

// SessionTiming fixes the deadline of a session. DurationMinutes can be
// shorter than the exam's nominal duration for late joiners.
type SessionTiming struct {
	StartedAt       time.Time
	DurationMinutes int
}

// Deadline is StartedAt + DurationMinutes.
func (t SessionTiming) Deadline() time.Time {
	return t.StartedAt.Add(time.Duration(t.DurationMinutes) * time.Minute)
}

// Remaining returns max(0, deadline - now).
func (t SessionTiming) Remaining(now time.Time) time.Duration {
	if d := t.Deadline().Sub(now); d > 0 {
		return d
	}
	return 0
}

// SessionState is what a reloading client needs to resume.
type SessionState struct {
	SessionID        string            `json:"session_id"`
	Answers          map[string]string `json:"answers"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	Submitted        bool              `json:"submitted"`
}

// SubmitResult acknowledges a submission. AlreadySubmitted is set when the
// session had been submitted before this call.
type SubmitResult struct {
	SessionID        string    `json:"session_id"`
	AlreadySubmitted bool      `json:"already_submitted"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// Timing returns the session's deadline inputs.
func (s *ExamSession) Timing() SessionTiming {
	return SessionTiming{StartedAt: s.StartedAt, DurationMinutes: s.DurationMinutes}
}

// Start converts the session to the start response.
func (s *ExamSession) Start() SessionStart {
	return SessionStart{
		SessionID:       s.ID.String(),
		ExamID:          s.ExamID.String(),
		StartedAt:       s.StartedAt,
		DurationMinutes: s.DurationMinutes,
	}
}

// PersistAnswerJob is queued for the autosave worker after every accepted save.
type PersistAnswerJob struct {
	SessionID      string `json:"session_id"`
	QuestionNumber int    `json:"question_number"`
	SubPart        string `json:"sub_part"`
	Answer         string `json:"answer"`
}

// PersistSubmissionJob is queued for the submission worker once per session.
type PersistSubmissionJob struct {
	SessionID     string    `json:"session_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	AutoSubmitted bool      `json:"auto_submitted"`
}
