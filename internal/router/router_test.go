package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/connectivity"
	"github.com/stemsi/exstem-sync/internal/handler"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/service/servicetest"
	"github.com/stemsi/exstem-sync/internal/transport"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type testServer struct {
	srv    *httptest.Server
	auth   *service.AuthService
	clock  *clocktesting.FakeClock
	mr     *miniredis.Miniredis
	examID uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		GinMode:       "test",
		JWTSecret:     "s3cret",
		JWTExpiry:     time.Hour,
		AnswerGrace:   30 * time.Second,
		SaveRateLimit: 240,
	}
	examID := uuid.New()
	exams := servicetest.NewExams(model.Exam{ID: examID, Title: "Fisika", DurationMinutes: 90})
	clk := clocktesting.NewFakeClock(time.Now().UTC())
	log := zerolog.Nop()

	sessionService := service.NewExamSessionService(exams, servicetest.NewSessions(), rdb, cfg, clk, log)
	auth := service.NewAuthService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := middleware.NewRateLimiter(ctx, cfg.SaveRateLimit, time.Minute)

	r := SetupRouter(auth, &Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, log, nil),
		System:  handler.NewSystemHandler(rdb, log),
	}, limiter, cfg)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, auth: auth, clock: clk, mr: mr, examID: examID}
}

func (s *testServer) client(t *testing.T, studentID int) *transport.HTTPClient {
	t.Helper()
	token, err := s.auth.GenerateStudentToken(studentID)
	require.NoError(t, err)
	return transport.NewHTTPClient(s.srv.URL, token, 5*time.Second, zerolog.Nop())
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.client(t, 7)

	start, err := c.StartExam(ctx, s.examID.String())
	require.NoError(t, err)
	assert.Equal(t, 90, start.DurationMinutes)

	again, err := c.StartExam(ctx, s.examID.String())
	require.NoError(t, err)
	assert.Equal(t, start.SessionID, again.SessionID)

	require.NoError(t, c.PostAnswer(ctx, model.AnswerRecord{SessionID: start.SessionID, QuestionNumber: 5, Answer: "B"}))
	require.NoError(t, c.PostAnswer(ctx, model.AnswerRecord{SessionID: start.SessionID, QuestionNumber: 36, SubPart: "a", Answer: "x = 2"}))

	err = c.PostAnswer(ctx, model.AnswerRecord{SessionID: start.SessionID, QuestionNumber: 36, Answer: "x"})
	assert.True(t, transport.HasCode(err, string(response.ErrValidation)))
	assert.True(t, transport.IsPermanent(err))

	s.clock.Step(30 * time.Minute)
	state, err := c.SessionState(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5": "B", "36_a": "x = 2"}, state.Answers)
	assert.InDelta(t, 60*60, state.RemainingSeconds, 1)
	assert.False(t, state.Submitted)

	require.NoError(t, c.PostSubmit(ctx, start.SessionID))
	require.NoError(t, c.PostSubmit(ctx, start.SessionID), "replayed submit")

	err = c.PostAnswer(ctx, model.AnswerRecord{SessionID: start.SessionID, QuestionNumber: 5, Answer: "C"})
	assert.True(t, transport.HasCode(err, string(response.ErrSessionSubmitted)))

	state, err = c.SessionState(ctx, start.SessionID)
	require.NoError(t, err)
	assert.True(t, state.Submitted)
	assert.Equal(t, "B", state.Answers["5"])
}

func TestOwnershipAndAuth(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	start, err := s.client(t, 7).StartExam(ctx, s.examID.String())
	require.NoError(t, err)

	_, err = s.client(t, 8).SessionState(ctx, start.SessionID)
	assert.True(t, transport.HasCode(err, string(response.ErrForbidden)))

	_, err = s.client(t, 7).StartExam(ctx, uuid.NewString())
	assert.True(t, transport.HasCode(err, string(response.ErrNotFound)))

	_, err = s.client(t, 7).SessionState(ctx, "not-a-uuid")
	assert.True(t, transport.HasCode(err, string(response.ErrInvalidID)))

	anon := transport.NewHTTPClient(s.srv.URL, "", 5*time.Second, zerolog.Nop())
	_, err = anon.StartExam(ctx, s.examID.String())
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestLateSaveClosesSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.client(t, 7)

	start, err := c.StartExam(ctx, s.examID.String())
	require.NoError(t, err)

	s.clock.Step(91 * time.Minute)
	err = c.PostAnswer(ctx, model.AnswerRecord{SessionID: start.SessionID, QuestionNumber: 5, Answer: "B"})
	assert.True(t, transport.HasCode(err, string(response.ErrTimeExpired)))

	require.NoError(t, c.PostSubmit(ctx, start.SessionID), "client auto-submit after the server closed the session")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.client(t, 7).Probe(context.Background()))

	s.mr.SetError("LOADING")
	err := s.client(t, 7).Probe(context.Background())
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

// ─── Session stream ────────────────────────────────────────────────────

func dialStream(t *testing.T, s *testServer, c *transport.HTTPClient, sessionID string) *websocket.Conn {
	t.Helper()
	u, err := connectivity.StreamURL(s.srv.URL, sessionID, c.Token())
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, v interface{}) ws.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.EventEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	if v != nil {
		require.NoError(t, json.Unmarshal(raw, v))
	}
	return env.Event
}

func TestStream_PingAutosaveAndSubmittedEvent(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.client(t, 7)
	start, err := c.StartExam(ctx, s.examID.String())
	require.NoError(t, err)

	conn := dialStream(t, s, c, start.SessionID)

	require.NoError(t, conn.WriteJSON(ws.PingRequest{Action: ws.ActionPing}))
	var pong ws.PongResponse
	assert.Equal(t, ws.EventPong, readEvent(t, conn, &pong))
	assert.InDelta(t, 90*60, pong.RemainingSeconds, 1)

	sub := "b"
	require.NoError(t, conn.WriteJSON(ws.AutosaveRequest{Action: ws.ActionAutosave, QuestionNumber: 40, SubPart: &sub, Answer: "draft"}))
	assert.Equal(t, ws.EventSuccess, readEvent(t, conn, nil))

	require.NoError(t, conn.WriteJSON(ws.AutosaveRequest{Action: ws.ActionAutosave, QuestionNumber: 40, Answer: "draft"}))
	var bad ws.ErrorResponse
	assert.Equal(t, ws.EventError, readEvent(t, conn, &bad))
	assert.Equal(t, string(response.ErrValidation), bad.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`)))
	assert.Equal(t, ws.EventError, readEvent(t, conn, nil))

	// Submitting from another device reaches this stream.
	channel := config.CacheKey.SessionEventsChannel(start.SessionID)
	require.Eventually(t, func() bool {
		return s.mr.PubSubNumSub(channel)[channel] == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.PostSubmit(ctx, start.SessionID))
	var ev ws.SubmittedEvent
	assert.Equal(t, ws.EventSubmitted, readEvent(t, conn, &ev))
	assert.False(t, ev.AutoSubmitted)

	state, err := c.SessionState(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "draft", state.Answers["40_b"])
}

func TestStream_RejectsOtherStudents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	start, err := s.client(t, 7).StartExam(ctx, s.examID.String())
	require.NoError(t, err)

	u, err := connectivity.StreamURL(s.srv.URL, start.SessionID, s.client(t, 8).Token())
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(strings.Replace(u, "token=", "token=x", 1), nil)
	require.Error(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStream_AnnouncesEarlierSubmission(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.client(t, 7)
	start, err := c.StartExam(ctx, s.examID.String())
	require.NoError(t, err)
	require.NoError(t, c.PostSubmit(ctx, start.SessionID))

	conn := dialStream(t, s, c, start.SessionID)

	assert.Equal(t, ws.EventSubmitted, readEvent(t, conn, nil))
}
