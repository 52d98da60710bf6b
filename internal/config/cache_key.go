package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentExamSessionKey maps (exam, student) to the session id so that
// starting an exam twice returns the same session.
func (r *CacheKeyStruct) StudentExamSessionKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:session", studentID, examID)
}

// SessionMetaKey returns the hash holding a session's owner and timing
func (r *CacheKeyStruct) SessionMetaKey(sessionID string) string {
	return fmt.Sprintf("session:%s:meta", sessionID)
}

// SessionAnswersKey returns the hash of autosaved answers for a session
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionSubmittedKey returns the SETNX guard marking a session as submitted
func (r *CacheKeyStruct) SessionSubmittedKey(sessionID string) string {
	return fmt.Sprintf("session:%s:submitted", sessionID)
}

// SessionEventsChannel is the pub/sub channel pushing session events to
// connected streams.
func (r *CacheKeyStruct) SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

var CacheKey = NewCacheKeyStruct()

// StorageKeyStruct names the slots the exam client uses in durable local storage.
type StorageKeyStruct struct{}

// AnswerQueue is the single slot holding every undelivered answer.
func (StorageKeyStruct) AnswerQueue() string {
	return "answer_queue"
}

// AnswerBackup is the per-session slot for the Local Answer Map.
func (StorageKeyStruct) AnswerBackup(sessionID string) string {
	return fmt.Sprintf("answers:%s", sessionID)
}

var StorageKey = StorageKeyStruct{}
