package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/database"
	"github.com/stemsi/exstem-sync/internal/logger"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/repository"
)

func main() {
	title := flag.String("title", "Ujian Simulasi", "Exam title")
	duration := flag.Int("duration", 150, "Exam duration in minutes")
	start := flag.String("start", "", "Scheduled start (RFC3339), optional")
	end := flag.String("end", "", "Scheduled end (RFC3339), optional")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.SetupWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	req := model.CreateExamRequest{Title: *title, DurationMinutes: *duration}
	var err error
	if req.ScheduledStart, err = parseTime(*start); err != nil {
		log.Fatal().Err(err).Msg("Invalid -start")
	}
	if req.ScheduledEnd, err = parseTime(*end); err != nil {
		log.Fatal().Err(err).Msg("Invalid -end")
	}
	if req.ScheduledEnd != nil && req.ScheduledStart == nil {
		now := time.Now().UTC()
		req.ScheduledStart = &now
	}
	if err := govalidator.New().Struct(req); err != nil {
		log.Fatal().Err(err).Msg("Invalid exam")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	exam := &model.Exam{
		Title:           req.Title,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		DurationMinutes: req.DurationMinutes,
	}
	if err := repository.NewExamRepository(pool).Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	log.Info().
		Str("exam_id", exam.ID.String()).
		Int("duration", exam.DurationMinutes).
		Msg("Exam created")
	fmt.Println(exam.ID)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
