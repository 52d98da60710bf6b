// Package examclient wires the answer queue, save scheduler, countdown,
// submission coordinator and connectivity monitor into one exam session.
package examclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/answerqueue"
	"github.com/stemsi/exstem-sync/internal/autosave"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/connectivity"
	"github.com/stemsi/exstem-sync/internal/countdown"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/submission"
	"github.com/stemsi/exstem-sync/internal/transport"
	"github.com/stemsi/exstem-sync/internal/visibility"
	"k8s.io/utils/clock"
)

// ErrSessionClosed is returned for edits after submission started.
var ErrSessionClosed = errors.New("session is closed for edits")

// DriftTolerance is how far the local countdown may disagree with the
// server's remaining time before it is reported.
const DriftTolerance = 5 * time.Second

// Options configure a Session. Zero-valued tuning fields in Config fall
// back to config.DefaultClientConfig.
type Options struct {
	SessionID string
	Timing    model.SessionTiming
	// ServerAnswers are the answers the server already holds (reload).
	ServerAnswers map[string]string

	Transport  transport.Transport
	Store      storage.Storage
	Clock      clock.WithTickerAndDelayedExecution
	Visibility visibility.Source
	Confirmer  submission.Confirmer
	Notifier   submission.Notifier
	Rules      model.AnswerRules
	Config     config.ClientConfig
	Log        zerolog.Logger
}

// Session is one student's running exam.
type Session struct {
	id      string
	rules   model.AnswerRules
	queue   *answerqueue.Queue
	saver   *autosave.Saver
	coord   *submission.Coordinator
	timer   *countdown.Timer
	monitor *connectivity.Monitor
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func withDefaults(c config.ClientConfig) config.ClientConfig {
	def := config.DefaultClientConfig()
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = def.DebounceDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ProbeFailureThreshold <= 0 {
		c.ProbeFailureThreshold = def.ProbeFailureThreshold
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = def.FlushConcurrency
	}
	return c
}

// Open restores local state for the session, starts the countdown and the
// heartbeat, and retries anything left in the queue by a previous run.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("open session: empty session id")
	}
	if opts.Transport == nil || opts.Store == nil {
		return nil, fmt.Errorf("open session: transport and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Confirmer == nil {
		opts.Confirmer = submission.ConfirmerFunc(func(context.Context) (bool, error) { return true, nil })
	}
	if opts.Rules.MaxQuestion == 0 {
		opts.Rules = model.DefaultAnswerRules()
	}
	cfg := withDefaults(opts.Config)
	log := opts.Log.With().Str("session_id", opts.SessionID).Logger()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:     opts.SessionID,
		rules:  opts.Rules,
		log:    log.With().Str("component", "session").Logger(),
		ctx:    runCtx,
		cancel: cancel,
	}

	s.queue = answerqueue.New(ctx, opts.Store, opts.Transport, opts.Clock, log)
	s.queue.SetConcurrency(cfg.FlushConcurrency)
	s.saver = autosave.New(opts.SessionID, opts.Transport, s.queue, opts.Store, opts.Clock, cfg.DebounceDelay, log)
	restored := s.saver.Restore(ctx, opts.ServerAnswers)
	s.coord = submission.New(opts.SessionID, s.queue, s.saver, opts.Transport, opts.Confirmer, opts.Notifier, log)
	s.timer = countdown.New(opts.Clock, opts.Visibility, cfg.TickInterval, s.expire, log)
	s.monitor = connectivity.New(opts.Transport, opts.Clock, cfg.HeartbeatInterval, cfg.ProbeFailureThreshold, log)

	s.monitor.OnRecover(s.sync)
	s.monitor.OnHeartbeat(s.sync)

	s.log.Info().
		Int("answers", restored).
		Int("pending", s.queue.PendingCount()).
		Msg("Session opened")

	s.monitor.Start(runCtx)
	s.timer.Start(opts.Timing.StartedAt, opts.Timing.DurationMinutes)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.queue.Flush(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		select {
		case <-s.coord.Done():
			s.timer.Stop()
		case <-runCtx.Done():
		}
	}()

	return s, nil
}

func (s *Session) expire() {
	if err := s.coord.Expire(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("Automatic submission failed")
	}
}

// sync runs on recovery and on every heartbeat.
func (s *Session) sync() {
	s.queue.Flush(s.ctx)
	if err := s.coord.RetryPending(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("Retry of automatic submission failed")
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// SaveAnswer validates and records one answer.
func (s *Session) SaveAnswer(ctx context.Context, questionNumber int, subPart, value string) error {
	if err := s.rules.Validate(questionNumber, subPart, value); err != nil {
		return err
	}
	if !s.saver.SaveAnswer(ctx, questionNumber, subPart, value) {
		return ErrSessionClosed
	}
	return nil
}

// Submit is the manual, confirmed submission.
func (s *Session) Submit(ctx context.Context) error {
	return s.coord.Submit(ctx)
}

// ServerSubmitted handles the server announcing that it closed the
// session: the client goes through the timer path, which the server
// acknowledges as already submitted.
func (s *Session) ServerSubmitted(ctx context.Context) error {
	return s.coord.Expire(ctx)
}

// Flush retries queued answers now.
func (s *Session) Flush(ctx context.Context) {
	s.queue.Flush(ctx)
}

// SetLink feeds the link signal to the connectivity monitor.
func (s *Session) SetLink(up bool) {
	s.monitor.SetLink(up)
}

// Answers returns the local answers.
func (s *Session) Answers() map[string]string { return s.saver.Answers() }

// PendingCount is the number of answers not yet confirmed by the server.
func (s *Session) PendingCount() int { return s.queue.PendingCount() }

// Remaining is the countdown's remaining time.
func (s *Session) Remaining() time.Duration { return s.timer.Remaining() }

// Urgency is the countdown's urgency band.
func (s *Session) Urgency() countdown.Urgency { return s.timer.Urgency() }

// Status is the connection status.
func (s *Session) Status() connectivity.Status { return s.monitor.Status() }

// State is the submission state.
func (s *Session) State() model.SubmissionState { return s.coord.State() }

// AutoSubmitPending reports a failed automatic submission awaiting retry.
func (s *Session) AutoSubmitPending() bool { return s.coord.AutoSubmitPending() }

// Done is closed once the session is submitted.
func (s *Session) Done() <-chan struct{} { return s.coord.Done() }

// OnTick subscribes to countdown updates.
func (s *Session) OnTick(cb func(countdown.Tick)) func() { return s.timer.OnTick(cb) }

// OnQueueChange subscribes to pending-count changes.
func (s *Session) OnQueueChange(cb func(int)) func() { return s.queue.OnChange(cb) }

// OnStatusChange subscribes to connection status changes.
func (s *Session) OnStatusChange(cb func(connectivity.Status)) func() {
	return s.monitor.OnStatusChange(cb)
}

// Recompute forces the countdown to catch up, e.g. after a pause.
func (s *Session) Recompute() { s.timer.Recompute() }

// ServerRemaining takes the server's view of the remaining time from a
// stream pong. The countdown catches up first; a disagreement beyond
// DriftTolerance is logged. It returns local minus server remaining time.
// The local countdown stays authoritative.
func (s *Session) ServerRemaining(server time.Duration) time.Duration {
	s.timer.Recompute()
	local := s.timer.Remaining()
	drift := local - server
	if drift > DriftTolerance || drift < -DriftTolerance {
		s.log.Warn().
			Dur("local", local).
			Dur("server", server).
			Dur("drift", drift).
			Msg("Countdown disagrees with server, check the system clock")
	}
	return drift
}

// Close delivers debounced answers (failures stay queued on disk), then
// stops the countdown and the heartbeat.
func (s *Session) Close(ctx context.Context) {
	s.once.Do(func() {
		s.saver.FlushPending(ctx)
		s.saver.Close()
		s.timer.Stop()
		s.monitor.Stop()
		s.cancel()
		s.wg.Wait()
		s.log.Info().Int("pending", s.queue.PendingCount()).Msg("Session closed")
	})
}
