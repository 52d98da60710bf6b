package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-sync/internal/model"
)

// CommandKind names an interactive command.
type CommandKind string

const (
	CmdAnswer  CommandKind = "answer"
	CmdStatus  CommandKind = "status"
	CmdSubmit  CommandKind = "submit"
	CmdQuit    CommandKind = "quit"
	CmdHelp    CommandKind = "help"
	CmdPending CommandKind = "pending"
	CmdEmpty   CommandKind = ""
)

// ErrUnknownCommand is returned for input that is not a command.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one parsed input line.
type Command struct {
	Kind           CommandKind
	QuestionNumber int
	SubPart        string
	Value          string
}

var aliases = map[string]CommandKind{
	"answer":  CmdAnswer,
	"a":       CmdAnswer,
	"jawab":   CmdAnswer,
	"status":  CmdStatus,
	"s":       CmdStatus,
	"submit":  CmdSubmit,
	"kumpul":  CmdSubmit,
	"quit":    CmdQuit,
	"exit":    CmdQuit,
	"q":       CmdQuit,
	"help":    CmdHelp,
	"?":       CmdHelp,
	"pending": CmdPending,
}

// ParseCommand parses "answer <question> [sub-part] <value>" and the bare
// commands. Questions at or after rules.FirstSubPartQuestion take a
// sub-part token; the value is the rest of the line.
func ParseCommand(line string, rules model.AnswerRules) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CmdEmpty}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	kind, ok := aliases[strings.ToLower(name)]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if kind != CmdAnswer {
		return Command{Kind: kind}, nil
	}

	rest = strings.TrimSpace(rest)
	num, rest, _ := strings.Cut(rest, " ")
	q, err := strconv.Atoi(num)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q", model.ErrQuestionOutOfRange, num)
	}

	cmd := Command{Kind: CmdAnswer, QuestionNumber: q}
	rest = strings.TrimSpace(rest)
	if rules.FirstSubPartQuestion > 0 && q >= rules.FirstSubPartQuestion {
		sub, value, _ := strings.Cut(rest, " ")
		cmd.SubPart = strings.ToLower(sub)
		rest = strings.TrimSpace(value)
	}
	cmd.Value = rest
	return cmd, nil
}
