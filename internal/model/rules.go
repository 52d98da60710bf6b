package model

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"
)

// Answer validation errors.
var (
	ErrQuestionOutOfRange = errors.New("question number out of range")
	ErrEmptyAnswer        = errors.New("answer is required")
	ErrAnswerTooLong      = errors.New("answer is too long")
	ErrInvalidSubPart     = errors.New("invalid sub-part")
	ErrSubPartForbidden   = errors.New("question does not take a sub-part")
	ErrSubPartRequired    = errors.New("question requires a sub-part")
)

// AnswerRules describes the shape of an exam sheet: single-choice questions
// 1..FirstSubPartQuestion-1, free-response questions with sub-parts after that.
type AnswerRules struct {
	MaxQuestion          int
	FirstSubPartQuestion int
	SubParts             []string
	MaxAnswerLength      int
}

// DefaultAnswerRules is the 45-question sheet: 1-35 multiple choice, 36-45
// free response with sub-parts a and b.
func DefaultAnswerRules() AnswerRules {
	return AnswerRules{
		MaxQuestion:          45,
		FirstSubPartQuestion: 36,
		SubParts:             []string{"a", "b"},
		MaxAnswerLength:      500,
	}
}

// Validate checks a single answer against the sheet.
func (r AnswerRules) Validate(questionNumber int, subPart, answer string) error {
	if questionNumber < 1 || questionNumber > r.MaxQuestion {
		return fmt.Errorf("%w: %d not in 1..%d", ErrQuestionOutOfRange, questionNumber, r.MaxQuestion)
	}
	if answer == "" {
		return ErrEmptyAnswer
	}
	if utf8.RuneCountInString(answer) > r.MaxAnswerLength {
		return fmt.Errorf("%w: max %d characters", ErrAnswerTooLong, r.MaxAnswerLength)
	}
	if subPart != "" && !slices.Contains(r.SubParts, subPart) {
		return fmt.Errorf("%w: %q", ErrInvalidSubPart, subPart)
	}
	if questionNumber < r.FirstSubPartQuestion && subPart != "" {
		return ErrSubPartForbidden
	}
	if questionNumber >= r.FirstSubPartQuestion && subPart == "" {
		return ErrSubPartRequired
	}
	return nil
}
