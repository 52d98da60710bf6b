// Package transport delivers answers and submissions to the sync server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stemsi/exstem-sync/internal/model"
)

// Error codes the server uses that the client reacts to.
const (
	CodeSessionSubmitted = "SESSION_SUBMITTED"
	CodeTimeExpired      = "TIME_EXPIRED"
)

// ErrUnreachable wraps network-level failures (no HTTP response at all).
var ErrUnreachable = errors.New("server unreachable")

// Transport is everything the exam client needs from the server.
type Transport interface {
	PostAnswer(ctx context.Context, rec model.AnswerRecord) error
	// PostSubmit must be safe to call more than once for the same session.
	PostSubmit(ctx context.Context, sessionID string) error
	Probe(ctx context.Context) error
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsPermanent reports whether retrying err can never succeed: the server
// understood the request and refused it. Auth failures, timeouts and rate
// limiting stay retryable.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// HasCode reports whether err is a StatusError carrying code.
func HasCode(err error, code string) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
