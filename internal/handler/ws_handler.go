package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Native clients send no Origin header.
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the session stream: link keepalive, autosave and
// server pushed events.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// conn serializes writes from the read loop and the event pusher.
type conn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (c *conn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteTyped(c.c, v)
}

func (c *conn) writeError(code response.ErrCode, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteError(c.c, string(code), msg)
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream
// Upgrades to WebSocket for ping/pong, autosave and submission events.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// SECURITY: Validate ownership before upgrading.
	if _, err := h.sessionService.Authorize(c.Request.Context(), sessionID, claims.UserID); err != nil {
		status, code := errorCode(err)
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer raw.Close()
	wc := &conn{c: raw}

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := h.sessionService.SubscribeEvents(ctx, sessionID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pushEvents(ctx, wc, sub, sessionID, wsLog)
	}()
	defer func() {
		cancel()
		sub.Close()
		wg.Wait()
	}()

	for {
		data, err := ws.ReadRaw(raw)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			wc.writeError(response.ErrInvalidPayload, "malformed message")
			continue
		}

		switch env.Action {
		case ws.ActionPing:
			h.handlePing(ctx, wc, sessionID)
		case ws.ActionAutosave:
			h.handleAutosave(ctx, wc, sessionID, claims.UserID, data)
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			wc.writeError(response.ErrInvalidPayload, "unknown action: "+string(env.Action))
		}
	}
}

func (h *WSHandler) handlePing(ctx context.Context, wc *conn, sessionID uuid.UUID) {
	remaining, err := h.sessionService.Remaining(ctx, sessionID)
	if err != nil {
		wc.writeError(response.ErrInternal, "remaining time unavailable")
		return
	}
	wc.write(ws.PongResponse{Event: ws.EventPong, RemainingSeconds: remaining.Seconds()})
}

func (h *WSHandler) handleAutosave(ctx context.Context, wc *conn, sessionID uuid.UUID, studentID int, data []byte) {
	var msg ws.AutosaveRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		wc.writeError(response.ErrInvalidPayload, "malformed autosave")
		return
	}

	req := model.SaveAnswerRequest{QuestionNumber: msg.QuestionNumber, SubPart: msg.SubPart, Answer: msg.Answer}
	if err := h.sessionService.SaveAnswer(ctx, sessionID, studentID, req); err != nil {
		_, code := errorCode(err)
		if code == response.ErrInternal {
			h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Autosave error")
			wc.writeError(code, "save failed")
			return
		}
		wc.writeError(code, err.Error())
		return
	}

	wc.write(ws.AutosaveResponse{Event: ws.EventSuccess, Status: "saved"})
}

// pushEvents forwards pub/sub events for the session. A session that is
// already closed is announced right away.
func (h *WSHandler) pushEvents(ctx context.Context, wc *conn, sub *redis.PubSub, sessionID uuid.UUID, log zerolog.Logger) {
	// Wait for the subscription so a submit racing the connect is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Event subscription failed")
		}
		return
	}

	if submitted, err := h.sessionService.IsSubmitted(ctx, sessionID); err == nil && submitted {
		wc.write(ws.SubmittedEvent{Event: ws.EventSubmitted})
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev ws.SubmittedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("Malformed session event")
				continue
			}
			if err := wc.write(ev); err != nil {
				return
			}
		}
	}
}
