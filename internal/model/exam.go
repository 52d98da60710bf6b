package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the scheduling metadata the sync server needs for timing.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Title           string     `json:"title" validate:"required,min=3,max=255"`
	ScheduledStart  *time.Time `json:"scheduled_start" validate:"omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end" validate:"omitempty,gtfield=ScheduledStart"`
	DurationMinutes int        `json:"duration_minutes" validate:"required,min=1,max=480"`
}

// Open reports whether a session may start at now.
func (e *Exam) Open(now time.Time) bool {
	if e.ScheduledStart != nil && now.Before(*e.ScheduledStart) {
		return false
	}
	if e.ScheduledEnd != nil && !now.Before(*e.ScheduledEnd) {
		return false
	}
	return true
}

// SessionDuration is the duration granted to a session starting at
// startedAt. Late joiners only get the time left until the scheduled end.
func (e *Exam) SessionDuration(startedAt time.Time) int {
	d := e.DurationMinutes
	if e.ScheduledEnd != nil {
		left := int(e.ScheduledEnd.Sub(startedAt) / time.Minute)
		if left < d {
			d = left
		}
	}
	if d < 0 {
		return 0
	}
	return d
}
