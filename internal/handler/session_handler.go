package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/validator"
)

// SessionHandler handles the student's exam session endpoints.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Creates the student's session (idempotent) and returns its timing.
func (h *SessionHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sess, err := h.sessionService.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, sess.Start())
}

// SaveAnswer godoc
// POST /api/v1/student/sessions/:session_id/answers
// Saves a single answer. Latest write wins.
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.SaveAnswer(c.Request.Context(), sessionID, claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Submit godoc
// POST /api/v1/student/sessions/:session_id/submit
// Closes the session. Safe to repeat: later calls report already_submitted.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	result, err := h.sessionService.Submit(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Debug().
		Str("session_id", result.SessionID).
		Str("idempotency_key", c.GetHeader("Idempotency-Key")).
		Bool("already_submitted", result.AlreadySubmitted).
		Msg("Submit handled")

	response.Success(c, http.StatusOK, result)
}

// GetState godoc
// GET /api/v1/student/sessions/:session_id/state
// Covers the page reload: saved answers and the remaining time.
func (h *SessionHandler) GetState(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	state, err := h.sessionService.State(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

func (h *SessionHandler) sessionParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, sessionID, true
}

// fail maps service errors to response codes.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if code == response.ErrValidation {
		response.FailWithFields(c, status, code, map[string]string{"answer": err.Error()})
		return
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}

func errorCode(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound), errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusBadRequest, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNotSessionOwner):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrSessionSubmitted):
		return http.StatusForbidden, response.ErrSessionSubmitted
	case errors.Is(err, service.ErrTimeExpired):
		return http.StatusForbidden, response.ErrTimeExpired
	case isAnswerRuleError(err):
		return http.StatusBadRequest, response.ErrValidation
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func isAnswerRuleError(err error) bool {
	for _, target := range []error{
		model.ErrQuestionOutOfRange,
		model.ErrEmptyAnswer,
		model.ErrAnswerTooLong,
		model.ErrInvalidSubPart,
		model.ErrSubPartForbidden,
		model.ErrSubPartRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
