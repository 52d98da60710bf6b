package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

// envelope mirrors the server's response.Response.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPClient talks to the sync server's student API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient creates a client for baseURL (e.g. http://localhost:8080)
// authenticating with a student bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "transport").Logger(),
	}
}

// BaseURL returns the server root the client was created with.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token.
func (c *HTTPClient) Token() string {
	return c.token
}

// StartExam starts or resumes the student's session for examID.
func (c *HTTPClient) StartExam(ctx context.Context, examID string) (model.SessionStart, error) {
	var out model.SessionStart
	err := c.do(ctx, http.MethodPost, "/api/v1/student/exams/"+url.PathEscape(examID)+"/start", nil, nil, &out)
	return out, err
}

// SessionState fetches the server's view of a session for reload.
func (c *HTTPClient) SessionState(ctx context.Context, sessionID string) (model.SessionState, error) {
	var out model.SessionState
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "state"), nil, nil, &out)
	return out, err
}

// PostAnswer saves one answer.
func (c *HTTPClient) PostAnswer(ctx context.Context, rec model.AnswerRecord) error {
	return c.do(ctx, http.MethodPost, sessionPath(rec.SessionID, "answers"), model.NewSaveAnswerRequest(rec), nil, nil)
}

// PostSubmit submits the session. A session the server already considers
// submitted counts as success.
func (c *HTTPClient) PostSubmit(ctx context.Context, sessionID string) error {
	headers := map[string]string{"Idempotency-Key": SubmitIdempotencyKey(sessionID)}
	var res model.SubmitResult
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "submit"), nil, headers, &res)
	if HasCode(err, CodeSessionSubmitted) {
		c.log.Info().Str("session_id", sessionID).Msg("Session was already submitted")
		return nil
	}
	if err == nil && res.AlreadySubmitted {
		c.log.Info().Str("session_id", sessionID).Msg("Submit replayed, server kept first submission")
	}
	return err
}

// Probe checks that the server answers at all.
func (c *HTTPClient) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// SubmitIdempotencyKey is stable per session so replays are recognisable.
func SubmitIdempotencyKey(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("exstem:submit:"+sessionID)).String()
}

func sessionPath(sessionID, action string) string {
	return "/api/v1/student/sessions/" + url.PathEscape(sessionID) + "/" + action
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return se
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
