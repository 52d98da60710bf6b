// Package transporttest provides a recording Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/stemsi/exstem-sync/internal/model"
)

// ErrOffline is the default failure returned by a Fake set offline.
var ErrOffline = errors.New("transporttest: offline")

// Call kinds.
const (
	KindAnswer = "answer"
	KindSubmit = "submit"
	KindProbe  = "probe"
)

// Call is one recorded invocation.
type Call struct {
	Kind      string
	SessionID string
	Record    model.AnswerRecord
}

// Fake records calls in order. The *Func hooks decide outcomes; when nil,
// calls succeed unless the fake is offline.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	offline bool

	AnswerFunc func(ctx context.Context, rec model.AnswerRecord) error
	SubmitFunc func(ctx context.Context, sessionID string) error
	ProbeFunc  func(ctx context.Context) error
}

// New returns an online Fake.
func New() *Fake {
	return &Fake{}
}

// SetOffline makes every call without a hook fail with ErrOffline.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *Fake) record(c Call) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.offline
}

func (f *Fake) PostAnswer(ctx context.Context, rec model.AnswerRecord) error {
	offline := f.record(Call{Kind: KindAnswer, SessionID: rec.SessionID, Record: rec})
	if f.AnswerFunc != nil {
		return f.AnswerFunc(ctx, rec)
	}
	if offline {
		return ErrOffline
	}
	return nil
}

func (f *Fake) PostSubmit(ctx context.Context, sessionID string) error {
	offline := f.record(Call{Kind: KindSubmit, SessionID: sessionID})
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, sessionID)
	}
	if offline {
		return ErrOffline
	}
	return nil
}

func (f *Fake) Probe(ctx context.Context) error {
	offline := f.record(Call{Kind: KindProbe})
	if f.ProbeFunc != nil {
		return f.ProbeFunc(ctx)
	}
	if offline {
		return ErrOffline
	}
	return nil
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded calls of one kind.
func (f *Fake) CallsOf(kind string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
