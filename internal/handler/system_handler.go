package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/response"
)

// SystemHandler serves the health probe the exam clients heartbeat against.
type SystemHandler struct {
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Goroutines  int    `json:"goroutines"`
	QueueAnswer int64  `json:"queue_answers"`
	QueueSubmit int64  `json:"queue_submissions"`
}

// Health godoc
// GET /health
// Reports liveness plus worker queue depth. Redis being down is reported as
// 503 so clients treat the server as unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	st := healthStatus{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	submitsCmd := pipe.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Health check: redis unavailable")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	st.QueueAnswer, _ = answersCmd.Result()
	st.QueueSubmit, _ = submitsCmd.Result()

	response.Success(c, http.StatusOK, st)
}
