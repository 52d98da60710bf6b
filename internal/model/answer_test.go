package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswerRecord_Keys(t *testing.T) {
	single := AnswerRecord{SessionID: "S1", QuestionNumber: 5, Answer: "B"}
	part := AnswerRecord{SessionID: "S1", QuestionNumber: 36, SubPart: "a", Answer: "x"}

	assert.Equal(t, "S1:5:", single.Key())
	assert.Equal(t, "S1:36:a", part.Key())
	assert.Equal(t, "5", single.LocalKey())
	assert.Equal(t, "36_a", part.LocalKey())
	assert.NotEqual(t, part.Key(), AnswerRecord{SessionID: "S2", QuestionNumber: 36, SubPart: "a"}.Key())
}

func TestParseLocalKey(t *testing.T) {
	q, sub, err := ParseLocalKey("36_b")
	require.NoError(t, err)
	assert.Equal(t, 36, q)
	assert.Equal(t, "b", sub)

	q, sub, err = ParseLocalKey("5")
	require.NoError(t, err)
	assert.Equal(t, 5, q)
	assert.Empty(t, sub)

	for _, bad := range []string{"", "x", "0", "-1_a"} {
		_, _, err := ParseLocalKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewSaveAnswerRequest_NullSubPart(t *testing.T) {
	raw, err := json.Marshal(NewSaveAnswerRequest(AnswerRecord{QuestionNumber: 5, Answer: "B"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"question_number":5,"sub_part":null,"answer":"B"}`, string(raw))

	raw, err = json.Marshal(NewSaveAnswerRequest(AnswerRecord{QuestionNumber: 36, SubPart: "a", Answer: "x"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"question_number":36,"sub_part":"a","answer":"x"}`, string(raw))
}

func TestAnswerRules_Validate(t *testing.T) {
	r := DefaultAnswerRules()
	long := make([]rune, 501)
	for i := range long {
		long[i] = 'a'
	}

	assert.NoError(t, r.Validate(1, "", "A"))
	assert.NoError(t, r.Validate(35, "", "E"))
	assert.NoError(t, r.Validate(36, "a", "x"))
	assert.NoError(t, r.Validate(45, "b", "y"))

	assert.ErrorIs(t, r.Validate(0, "", "A"), ErrQuestionOutOfRange)
	assert.ErrorIs(t, r.Validate(46, "a", "A"), ErrQuestionOutOfRange)
	assert.ErrorIs(t, r.Validate(3, "", ""), ErrEmptyAnswer)
	assert.ErrorIs(t, r.Validate(3, "", string(long)), ErrAnswerTooLong)
	assert.ErrorIs(t, r.Validate(40, "c", "x"), ErrInvalidSubPart)
	assert.ErrorIs(t, r.Validate(10, "a", "x"), ErrSubPartForbidden)
	assert.ErrorIs(t, r.Validate(40, "", "x"), ErrSubPartRequired)
}

func TestSessionTiming(t *testing.T) {
	start := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	timing := SessionTiming{StartedAt: start, DurationMinutes: 150}

	assert.Equal(t, start.Add(150*time.Minute), timing.Deadline())
	assert.Equal(t, time.Minute, timing.Remaining(start.Add(149*time.Minute)))
	assert.Zero(t, timing.Remaining(start.Add(151*time.Minute)))
}

func TestSubmissionState_String(t *testing.T) {
	assert.Equal(t, "editable", StateEditable.String())
	assert.Equal(t, "submitting", StateSubmitting.String())
	assert.Equal(t, "submitted", StateSubmitted.String())
}
