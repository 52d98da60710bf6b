// Package terminal is the exam client's line-oriented console: prompts,
// confirmations and localized notices.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/stemsi/exstem-sync/internal/connectivity"
	"github.com/stemsi/exstem-sync/internal/i18n"
	"github.com/stemsi/exstem-sync/internal/submission"
	"golang.org/x/term"
)

// Console reads input lines on one goroutine and serializes output.
// Commands and confirmation answers share the same line stream.
type Console struct {
	ctx         context.Context
	lines       chan string
	out         io.Writer
	mu          sync.Mutex
	interactive bool
}

// NewConsole starts reading lines from in. ctx carries the localizer.
func NewConsole(ctx context.Context, in io.Reader, out io.Writer) *Console {
	c := &Console{
		ctx:         ctx,
		lines:       make(chan string),
		out:         out,
		interactive: isTerminal(in),
	}
	go c.read(in)
	return c
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Console) read(in io.Reader) {
	defer close(c.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		c.lines <- sc.Text()
	}
}

// Lines yields input lines until the input ends.
func (c *Console) Lines() <-chan string {
	return c.lines
}

// Interactive reports whether input is a terminal.
func (c *Console) Interactive() bool {
	return c.interactive
}

// Println writes one line.
func (c *Console) Println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Prompt writes the input prompt when attached to a terminal.
func (c *Console) Prompt() {
	if !c.interactive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "> ")
}

// Confirm asks the submit question and waits for the next line. Anything
// but y/yes is a no. A cancelled ctx dismisses the question.
func (c *Console) Confirm(ctx context.Context) (bool, error) {
	c.mu.Lock()
	fmt.Fprint(c.out, i18n.T(c.ctx, "ConfirmSubmit"))
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.Println("")
		return false, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "ya":
			return true, nil
		}
		return false, nil
	}
}

// Notify prints a submission notice.
func (c *Console) Notify(n submission.Notice) {
	switch n.Kind {
	case submission.NoticeTimeUp:
		c.Println(i18n.T(c.ctx, "TimeUp"))
	case submission.NoticeSubmitted:
		c.Println(i18n.T(c.ctx, "Submitted"))
	case submission.NoticeSubmitFailed:
		c.Println(i18n.Td(c.ctx, "SubmitFailed", map[string]any{"Error": n.Err}))
	case submission.NoticeAutoSubmitFailed:
		c.Println("!! " + i18n.Td(c.ctx, "AutoSubmitFailed", map[string]any{"Error": n.Err}))
	}
}

// NotifyStatus prints a connection status change.
func (c *Console) NotifyStatus(s connectivity.Status) {
	switch s {
	case connectivity.StatusOnline:
		c.Println(i18n.T(c.ctx, "ConnectionOnline"))
	case connectivity.StatusOffline:
		c.Println(i18n.T(c.ctx, "ConnectionOffline"))
	case connectivity.StatusUnreachable:
		c.Println(i18n.T(c.ctx, "ConnectionUnreachable"))
	}
}

// T translates msgID with the console's localizer.
func (c *Console) T(msgID string) string {
	return i18n.T(c.ctx, msgID)
}

// Td translates msgID with template data.
func (c *Console) Td(msgID string, data map[string]any) string {
	return i18n.Td(c.ctx, msgID, data)
}

// Tp translates a pluralized msgID.
func (c *Console) Tp(msgID string, count int) string {
	return i18n.Tp(c.ctx, msgID, count)
}
