package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnswerRecord is one student answer for a question or a question sub-part.
// An empty SubPart means the question has a single part.
type AnswerRecord struct {
	SessionID      string    `json:"sessionId"`
	QuestionNumber int       `json:"questionNumber"`
	SubPart        string    `json:"subPart,omitempty"`
	Answer         string    `json:"answer"`
	Timestamp      time.Time `json:"timestamp"`
}

// Key is the identity of a record: at most one record per key is queued.
func (r AnswerRecord) Key() string {
	return fmt.Sprintf("%s:%d:%s", r.SessionID, r.QuestionNumber, r.SubPart)
}

// LocalKey returns the Local Answer Map key for the record.
func (r AnswerRecord) LocalKey() string {
	return LocalKey(r.QuestionNumber, r.SubPart)
}

// LocalKey builds the Local Answer Map key: "5" or "36_a".
func LocalKey(questionNumber int, subPart string) string {
	if subPart == "" {
		return strconv.Itoa(questionNumber)
	}
	return fmt.Sprintf("%d_%s", questionNumber, subPart)
}

// ParseLocalKey is the inverse of LocalKey.
func ParseLocalKey(key string) (int, string, error) {
	num, sub, _ := strings.Cut(key, "_")
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("invalid answer key %q", key)
	}
	return n, sub, nil
}

// SaveAnswerRequest is the wire body of a single answer save.
type SaveAnswerRequest struct {
	QuestionNumber int     `json:"question_number" binding:"required,min=1"`
	SubPart        *string `json:"sub_part" binding:"omitempty,oneof=a b"`
	Answer         string  `json:"answer" binding:"required,max=500"`
}

// NewSaveAnswerRequest converts a record to its wire form; an absent
// sub-part is sent as null.
func NewSaveAnswerRequest(r AnswerRecord) SaveAnswerRequest {
	req := SaveAnswerRequest{QuestionNumber: r.QuestionNumber, Answer: r.Answer}
	if r.SubPart != "" {
		sub := r.SubPart
		req.SubPart = &sub
	}
	return req
}

// SubPartValue returns the sub-part or "" when absent.
func (r SaveAnswerRequest) SubPartValue() string {
	if r.SubPart == nil {
		return ""
	}
	return *r.SubPart
}
