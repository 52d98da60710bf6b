package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/answerqueue"
	"github.com/stemsi/exstem-sync/internal/i18n"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/transport"
	"k8s.io/utils/clock"
)

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List answers waiting to be sent",
		RunE:  runQueue,
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send queued answers to the server now",
		RunE:  runFlush,
	}
}

func runQueue(cmd *cobra.Command, _ []string) error {
	_, cfg, log := setup(cmd)
	ctx := cmd.Context()

	store, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := i18n.Init(cfg.Lang); err != nil {
		return err
	}
	ictx := i18n.WithLocalizer(ctx, i18n.NewLocalizer(cfg.Lang))

	// Listing never sends, so no transport is needed.
	q := answerqueue.New(ctx, store, nil, clock.RealClock{}, log)
	out := cmd.OutOrStdout()
	for _, rec := range q.Records() {
		fmt.Fprintf(out, "%s\t%s\t%s\t%q\n", rec.SessionID, rec.Key(), rec.Timestamp.Format(time.RFC3339), rec.Answer)
	}
	fmt.Fprintln(out, i18n.Tp(ictx, "PendingAnswers", q.PendingCount()))
	return nil
}

func runFlush(cmd *cobra.Command, _ []string) error {
	_, cfg, log := setup(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	if cfg.Token == "" {
		return fmt.Errorf("a student token is required (--token or EXSTEM_TOKEN)")
	}

	store, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := i18n.Init(cfg.Lang); err != nil {
		return err
	}
	ictx := i18n.WithLocalizer(ctx, i18n.NewLocalizer(cfg.Lang))

	client := transport.NewHTTPClient(cfg.BaseURL, cfg.Token, cfg.RequestTimeout, log)
	q := answerqueue.New(ctx, store, client, clock.RealClock{}, log)
	q.SetConcurrency(cfg.FlushConcurrency)
	before := q.PendingCount()
	q.Flush(ctx)

	log.Info().Int("before", before).Int("after", q.PendingCount()).Msg("Queue flushed")
	fmt.Fprintln(cmd.OutOrStdout(), i18n.Tp(ictx, "PendingAnswers", q.PendingCount()))
	return nil
}
