package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/logger"
	"github.com/stemsi/exstem-sync/internal/service"
)

// issue-token mints a student JWT signed with the server's JWT_SECRET, for
// running the exam client against a local server.
func main() {
	studentID := flag.Int("student", 0, "Student ID the token is issued for")
	flag.Parse()

	cfg := config.Load()
	log := logger.SetupWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if *studentID <= 0 {
		log.Fatal().Msg("-student must be a positive student ID")
	}

	token, err := service.NewAuthService(cfg).GenerateStudentToken(*studentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().
		Int("student_id", *studentID).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}
