package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/connectivity"
	"github.com/stemsi/exstem-sync/internal/countdown"
	"github.com/stemsi/exstem-sync/internal/examclient"
	"github.com/stemsi/exstem-sync/internal/i18n"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/terminal"
	"github.com/stemsi/exstem-sync/internal/transport"
	"github.com/stemsi/exstem-sync/internal/visibility"
	"k8s.io/utils/clock"
)

func takeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Start or resume an exam and answer it interactively",
		RunE:  runTake,
	}
	f := cmd.Flags()
	f.String("exam", "", "Exam ID to start or resume")
	f.Duration("ping", connectivity.DefaultPingInterval, "Keepalive interval of the session stream")
	return cmd
}

func runTake(cmd *cobra.Command, _ []string) error {
	v, cfg, log := setup(cmd)
	examID := v.GetString("exam")
	if examID == "" {
		return fmt.Errorf("--exam is required")
	}
	if cfg.Token == "" {
		return fmt.Errorf("a student token is required (--token or EXSTEM_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := i18n.Init(cfg.Lang); err != nil {
		return err
	}
	ctx = i18n.WithLocalizer(ctx, i18n.NewLocalizer(cfg.Lang))

	client := transport.NewHTTPClient(cfg.BaseURL, cfg.Token, cfg.RequestTimeout, log)
	start, err := client.StartExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("start exam: %w", err)
	}
	state, err := client.SessionState(ctx, start.SessionID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}

	store, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	console := terminal.NewConsole(ctx, os.Stdin, cmd.OutOrStdout())
	vis := visibility.NewBroadcaster()
	go visibility.WatchResume(ctx, vis, log)

	sess, err := examclient.Open(ctx, examclient.Options{
		SessionID:     start.SessionID,
		Timing:        start.Timing(),
		ServerAnswers: state.Answers,
		Transport:     client,
		Store:         store,
		Clock:         clock.RealClock{},
		Visibility:    vis,
		Confirmer:     console,
		Notifier:      console,
		Rules:         model.DefaultAnswerRules(),
		Config:        cfg,
		Log:           log,
	})
	if err != nil {
		return err
	}

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), cfg.RequestTimeout)
	defer cancelClose()
	defer sess.Close(closeCtx)

	defer sess.OnStatusChange(console.NotifyStatus)()
	defer sess.OnTick(urgencyNotices(console))()

	streamURL, err := connectivity.StreamURL(client.BaseURL(), start.SessionID, client.Token())
	if err != nil {
		return err
	}
	watcher := connectivity.NewLinkWatcher(streamURL, sess, clock.RealClock{}, v.GetDuration("ping"), log)
	watcher.OnPong(func(remaining time.Duration) { sess.ServerRemaining(remaining) })
	watcher.OnSubmitted(func(bool) {
		if err := sess.ServerSubmitted(ctx); err != nil {
			log.Warn().Err(err).Msg("Server side submission handling failed")
		}
	})

	watchCtx, cancelWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(watchCtx)
	}()
	defer func() {
		cancelWatch()
		wg.Wait()
	}()

	console.Println(console.Td("Welcome", map[string]any{"SessionID": start.SessionID}))
	console.Println(console.Td("TimeRemaining", map[string]any{"Remaining": countdown.Format(sess.Remaining())}))
	if state.Submitted {
		if err := sess.ServerSubmitted(ctx); err != nil {
			log.Warn().Err(err).Msg("Closing an already submitted session failed")
		}
	}

	sh := &shell{sess: sess, out: console, rules: model.DefaultAnswerRules()}
	console.Prompt()
	for {
		select {
		case <-ctx.Done():
			console.Println(console.T("Goodbye"))
			return nil
		case <-sess.Done():
			console.Println(console.T("Goodbye"))
			return nil
		case line, ok := <-console.Lines():
			if !ok {
				console.Println(console.T("Goodbye"))
				return nil
			}
			if sh.handle(ctx, line) {
				console.Println(console.T("Goodbye"))
				return nil
			}
			console.Prompt()
		}
	}
}

// urgencyNotices prints a warning each time the countdown enters a more
// urgent band.
func urgencyNotices(console *terminal.Console) func(countdown.Tick) {
	var (
		mu   sync.Mutex
		last = countdown.UrgencyNormal
	)
	return func(t countdown.Tick) {
		mu.Lock()
		prev := last
		last = t.Urgency
		mu.Unlock()
		if t.Urgency <= prev {
			return
		}
		switch t.Urgency {
		case countdown.UrgencyWarning:
			console.Println(console.T("TimeWarning"))
		case countdown.UrgencyUrgent:
			console.Println(console.T("TimeUrgent"))
		}
	}
}
