// Package submission drives a session from editable to submitted, making
// sure every pending answer reaches the server before the final submit.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

var (
	ErrSubmitInProgress = errors.New("submission already in progress")
	ErrSubmitted        = errors.New("session already submitted")
)

// Trigger says who started a submission.
type Trigger int

const (
	TriggerUser Trigger = iota
	TriggerTimer
)

func (t Trigger) String() string {
	if t == TriggerTimer {
		return "timer"
	}
	return "user"
}

// NoticeKind identifies a user-facing submission notice.
type NoticeKind int

const (
	// NoticeTimeUp is shown when the timer starts an automatic submission.
	NoticeTimeUp NoticeKind = iota
	NoticeSubmitted
	// NoticeSubmitFailed is a retryable failure of a user submission.
	NoticeSubmitFailed
	// NoticeAutoSubmitFailed must stay visible until a retry succeeds.
	NoticeAutoSubmitFailed
)

// Notice is sent to the Notifier on every user-visible outcome.
type Notice struct {
	Kind       NoticeKind
	Trigger    Trigger
	Persistent bool
	Err        error
}

type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Confirmer asks the student to confirm a manual submission. It must
// return promptly once ctx is cancelled.
type Confirmer interface {
	Confirm(ctx context.Context) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context) (bool, error) { return f(ctx) }

// Queue is the part of the answer queue the coordinator drains.
// FlushAndWait must not return while a flush started elsewhere is still
// delivering.
type Queue interface {
	FlushAndWait(ctx context.Context)
	Clear(ctx context.Context, sessionID string)
}

// Saver is the part of the save scheduler the coordinator controls.
type Saver interface {
	Freeze()
	Unfreeze()
	FlushPending(ctx context.Context)
	ClearBackup(ctx context.Context)
}

// Submitter calls the terminal submit endpoint. It must tolerate repeats.
type Submitter interface {
	PostSubmit(ctx context.Context, sessionID string) error
}

// Coordinator owns the SubmissionState of one session.
type Coordinator struct {
	mu            sync.Mutex
	state         model.SubmissionState
	confirming    bool
	cancelConfirm context.CancelFunc
	// expiryPending is set when the timer fires during a user submission.
	expiryPending bool
	// autoPending is set after a failed automatic submission.
	autoPending bool
	done        chan struct{}

	sessionID string
	queue     Queue
	saver     Saver
	submitter Submitter
	confirmer Confirmer
	notifier  Notifier
	log       zerolog.Logger
}

// New creates an editable Coordinator. notifier may be nil.
func New(sessionID string, queue Queue, saver Saver, submitter Submitter, confirmer Confirmer, notifier Notifier, log zerolog.Logger) *Coordinator {
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	return &Coordinator{
		state:     model.StateEditable,
		done:      make(chan struct{}),
		sessionID: sessionID,
		queue:     queue,
		saver:     saver,
		submitter: submitter,
		confirmer: confirmer,
		notifier:  notifier,
		log: log.With().
			Str("component", "submission").
			Str("session_id", sessionID).
			Logger(),
	}
}

// State returns the current submission state.
func (c *Coordinator) State() model.SubmissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AutoSubmitPending reports whether a failed automatic submission is
// waiting for RetryPending.
func (c *Coordinator) AutoSubmitPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPending
}

// Done is closed once the session is submitted.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Submit is the manual path. It asks for confirmation unless an automatic
// submission already failed, in which case time is up and there is nothing
// to confirm. A declined confirmation returns nil and leaves the session
// editable.
func (c *Coordinator) Submit(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == model.StateSubmitted:
		c.mu.Unlock()
		return ErrSubmitted
	case c.state == model.StateSubmitting, c.confirming:
		c.mu.Unlock()
		return ErrSubmitInProgress
	}
	if c.autoPending {
		c.state = model.StateSubmitting
		c.mu.Unlock()
		return c.run(ctx, TriggerTimer)
	}
	confirmCtx, cancel := context.WithCancel(ctx)
	c.confirming = true
	c.cancelConfirm = cancel
	c.mu.Unlock()

	ok, err := c.confirmer.Confirm(confirmCtx)
	cancel()

	c.mu.Lock()
	c.confirming = false
	c.cancelConfirm = nil
	if c.state != model.StateEditable {
		// The timer took over while the prompt was open.
		c.mu.Unlock()
		return ErrSubmitInProgress
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("confirm submission: %w", err)
	}
	if !ok {
		c.mu.Unlock()
		c.log.Info().Msg("Submission cancelled by student")
		return nil
	}
	c.state = model.StateSubmitting
	c.mu.Unlock()

	return c.run(ctx, TriggerUser)
}

// Expire is the timer path: no confirmation, and it cannot be declined. An
// open confirmation prompt is dismissed. If a manual submission is already
// running, a failure of that submission is handled as an automatic one.
func (c *Coordinator) Expire(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case model.StateSubmitted:
		c.mu.Unlock()
		return nil
	case model.StateSubmitting:
		c.expiryPending = true
		c.mu.Unlock()
		return nil
	}
	if c.cancelConfirm != nil {
		c.cancelConfirm()
	}
	c.state = model.StateSubmitting
	c.mu.Unlock()

	c.notifier.Notify(Notice{Kind: NoticeTimeUp, Trigger: TriggerTimer})
	return c.run(ctx, TriggerTimer)
}

// RetryPending re-attempts a failed automatic submission. It is a no-op
// when none is pending.
func (c *Coordinator) RetryPending(ctx context.Context) error {
	c.mu.Lock()
	if !c.autoPending || c.state != model.StateEditable || c.confirming {
		c.mu.Unlock()
		return nil
	}
	c.state = model.StateSubmitting
	c.mu.Unlock()

	c.log.Info().Msg("Retrying automatic submission")
	return c.run(ctx, TriggerTimer)
}

// run is entered with the state already set to submitting.
func (c *Coordinator) run(ctx context.Context, trigger Trigger) error {
	log := c.log.With().Stringer("trigger", trigger).Logger()
	log.Info().Msg("Submitting session")

	c.saver.Freeze()
	c.queue.FlushAndWait(ctx)
	c.saver.FlushPending(ctx)
	// Debounced sends that just failed were queued after the first flush.
	c.queue.FlushAndWait(ctx)

	if err := c.submitter.PostSubmit(ctx, c.sessionID); err != nil {
		return c.fail(trigger, err)
	}

	c.queue.Clear(ctx, c.sessionID)
	c.saver.ClearBackup(ctx)

	c.mu.Lock()
	c.state = model.StateSubmitted
	c.autoPending = false
	c.expiryPending = false
	c.mu.Unlock()

	log.Info().Msg("Session submitted")
	c.notifier.Notify(Notice{Kind: NoticeSubmitted, Trigger: trigger})
	// Done fires after the notice so waiters see it printed.
	close(c.done)
	return nil
}

func (c *Coordinator) fail(trigger Trigger, err error) error {
	c.mu.Lock()
	c.state = model.StateEditable
	if c.expiryPending {
		trigger = TriggerTimer
		c.expiryPending = false
	}
	auto := trigger == TriggerTimer
	if auto {
		c.autoPending = true
	}
	c.mu.Unlock()

	if auto {
		c.log.Error().Err(err).Msg("Automatic submission failed, will retry")
		c.notifier.Notify(Notice{Kind: NoticeAutoSubmitFailed, Trigger: trigger, Persistent: true, Err: err})
	} else {
		c.saver.Unfreeze()
		c.log.Warn().Err(err).Msg("Submission failed")
		c.notifier.Notify(Notice{Kind: NoticeSubmitFailed, Trigger: trigger, Err: err})
	}
	return fmt.Errorf("submit session %s: %w", c.sessionID, err)
}
