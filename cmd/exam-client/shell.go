package main

import (
	"context"
	"errors"
	"time"

	"github.com/stemsi/exstem-sync/internal/connectivity"
	"github.com/stemsi/exstem-sync/internal/countdown"
	"github.com/stemsi/exstem-sync/internal/examclient"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/submission"
	"github.com/stemsi/exstem-sync/internal/terminal"
)

// examSession is the part of examclient.Session the shell drives.
type examSession interface {
	SaveAnswer(ctx context.Context, questionNumber int, subPart, value string) error
	Submit(ctx context.Context) error
	Answers() map[string]string
	PendingCount() int
	Remaining() time.Duration
	Status() connectivity.Status
	State() model.SubmissionState
}

// output is the part of terminal.Console the shell writes to.
type output interface {
	Println(s string)
	T(msgID string) string
	Td(msgID string, data map[string]any) string
	Tp(msgID string, count int) string
}

// shell executes one input line at a time against a session.
type shell struct {
	sess  examSession
	out   output
	rules model.AnswerRules
}

// handle runs line and reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, line string) bool {
	cmd, err := terminal.ParseCommand(line, s.rules)
	if err != nil {
		if errors.Is(err, terminal.ErrUnknownCommand) {
			s.out.Println(s.out.Td("UnknownCommand", map[string]any{"Command": line}))
		} else {
			s.out.Println(s.out.Td("AnswerInvalid", map[string]any{"Error": err}))
		}
		return false
	}

	switch cmd.Kind {
	case terminal.CmdEmpty:
	case terminal.CmdHelp:
		s.out.Println(s.out.T("Help"))
	case terminal.CmdStatus:
		s.status()
	case terminal.CmdPending:
		s.out.Println(s.out.Tp("PendingAnswers", s.sess.PendingCount()))
	case terminal.CmdAnswer:
		s.answer(ctx, cmd)
	case terminal.CmdSubmit:
		s.submit(ctx)
	case terminal.CmdQuit:
		return true
	}
	return false
}

func (s *shell) status() {
	s.out.Println(s.out.Td("StatusLine", map[string]any{
		"Status":    s.sess.Status().String(),
		"Answers":   len(s.sess.Answers()),
		"Remaining": countdown.Format(s.sess.Remaining()),
	}))
	if n := s.sess.PendingCount(); n > 0 {
		s.out.Println(s.out.Tp("PendingAnswers", n))
	}
}

func (s *shell) answer(ctx context.Context, cmd terminal.Command) {
	err := s.sess.SaveAnswer(ctx, cmd.QuestionNumber, cmd.SubPart, cmd.Value)
	switch {
	case err == nil:
		s.out.Println(s.out.Td("AnswerSaved", map[string]any{
			"Key": model.LocalKey(cmd.QuestionNumber, cmd.SubPart),
		}))
	case errors.Is(err, examclient.ErrSessionClosed):
		s.out.Println(s.out.T("AnswerIgnored"))
	default:
		s.out.Println(s.out.Td("AnswerInvalid", map[string]any{"Error": err}))
	}
}

// submit blocks while the confirmation reads the next input line.
// Success and failure notices come from the session's notifier.
func (s *shell) submit(ctx context.Context) {
	err := s.sess.Submit(ctx)
	switch {
	case errors.Is(err, submission.ErrSubmitted):
		s.out.Println(s.out.T("AlreadySubmitted"))
	case errors.Is(err, submission.ErrSubmitInProgress):
		s.out.Println(s.out.T("SubmitInProgress"))
	case err == nil && s.sess.State() == model.StateEditable:
		s.out.Println(s.out.T("SubmitCancelled"))
	}
}
