package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExamOpen(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	assert.True(t, (&Exam{}).Open(now))
	assert.True(t, (&Exam{ScheduledStart: &start, ScheduledEnd: &end}).Open(now))
	assert.True(t, (&Exam{ScheduledStart: &now}).Open(now))
	assert.False(t, (&Exam{ScheduledStart: &end}).Open(now))
	assert.False(t, (&Exam{ScheduledEnd: &now}).Open(now))
}

func TestExamSessionDuration(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	soon := now.Add(45*time.Minute + 30*time.Second)
	past := now.Add(-time.Minute)

	assert.Equal(t, 120, (&Exam{DurationMinutes: 120}).SessionDuration(now))
	assert.Equal(t, 45, (&Exam{DurationMinutes: 120, ScheduledEnd: &soon}).SessionDuration(now))
	assert.Equal(t, 30, (&Exam{DurationMinutes: 30, ScheduledEnd: &soon}).SessionDuration(now))
	assert.Zero(t, (&Exam{DurationMinutes: 30, ScheduledEnd: &past}).SessionDuration(now))
}
