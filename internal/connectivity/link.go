package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
	"k8s.io/utils/clock"
)

const (
	DefaultPingInterval = 20 * time.Second
	minRedial           = time.Second
	maxRedial           = 30 * time.Second
)

// LinkSink receives link up/down transitions.
type LinkSink interface {
	SetLink(up bool)
}

// LinkWatcher keeps a websocket stream to the sync server open. The stream
// being up or down is the link signal fed to the Monitor.
type LinkWatcher struct {
	url          string
	dialer       *websocket.Dialer
	sink         LinkSink
	clock        clock.WithTicker
	pingInterval time.Duration
	log          zerolog.Logger

	mu          sync.Mutex
	onSubmitted func(auto bool)
	onPong      func(remaining time.Duration)
}

// StreamURL builds the session stream URL from the HTTP base URL.
func StreamURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws/v1/student/sessions/" + url.PathEscape(sessionID) + "/stream"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// NewLinkWatcher creates a watcher for streamURL.
func NewLinkWatcher(streamURL string, sink LinkSink, clk clock.WithTicker, pingInterval time.Duration, log zerolog.Logger) *LinkWatcher {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &LinkWatcher{
		url:          streamURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sink:         sink,
		clock:        clk,
		pingInterval: pingInterval,
		log:          log.With().Str("component", "link_watcher").Logger(),
	}
}

// OnSubmitted sets the handler for a server-side submission event.
func (w *LinkWatcher) OnSubmitted(cb func(auto bool)) {
	w.mu.Lock()
	w.onSubmitted = cb
	w.mu.Unlock()
}

// OnPong sets the handler for the server's view of the remaining time.
func (w *LinkWatcher) OnPong(cb func(remaining time.Duration)) {
	w.mu.Lock()
	w.onPong = cb
	w.mu.Unlock()
}

// Run dials and redials until ctx is done.
func (w *LinkWatcher) Run(ctx context.Context) {
	up := false
	wait := minRedial
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err == nil {
			up = true
			wait = minRedial
			w.sink.SetLink(true)
			w.log.Info().Msg("Link up")
			err = w.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		if up {
			up = false
			w.sink.SetLink(false)
			w.log.Warn().Err(err).Msg("Link down")
		} else {
			w.log.Debug().Err(err).Dur("retry_in", wait).Msg("Link dial failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(wait):
		}
		wait *= 2
		if wait > maxRedial {
			wait = maxRedial
		}
	}
}

func (w *LinkWatcher) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.pingLoop(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	// Unblock the read when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		raw, err := ws.ReadRaw(conn)
		if err != nil {
			return err
		}
		w.dispatch(raw)
	}
}

func (w *LinkWatcher) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := w.clock.NewTicker(w.pingInterval)
	defer ticker.Stop()
	if err := ws.WriteTyped(conn, ws.PingRequest{Action: ws.ActionPing}); err != nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if err := ws.WriteTyped(conn, ws.PingRequest{Action: ws.ActionPing}); err != nil {
				w.log.Debug().Err(err).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (w *LinkWatcher) dispatch(raw []byte) {
	var env ws.EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		w.log.Warn().Err(err).Msg("Malformed stream event")
		return
	}

	w.mu.Lock()
	onSubmitted, onPong := w.onSubmitted, w.onPong
	w.mu.Unlock()

	switch env.Event {
	case ws.EventPong:
		var pong ws.PongResponse
		if err := json.Unmarshal(raw, &pong); err == nil && onPong != nil {
			onPong(time.Duration(pong.RemainingSeconds * float64(time.Second)))
		}
	case ws.EventSubmitted:
		var ev ws.SubmittedEvent
		if err := json.Unmarshal(raw, &ev); err == nil && onSubmitted != nil {
			onSubmitted(ev.AutoSubmitted)
		}
	case ws.EventError:
		var e ws.ErrorResponse
		_ = json.Unmarshal(raw, &e)
		w.log.Warn().Str("code", e.Code).Str("error", e.Error).Msg("Stream error")
	}
}
