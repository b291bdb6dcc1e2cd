package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/config"
	"github.com/tetrad-labs/countersign/pkg/observability"
	"github.com/tetrad-labs/countersign/pkg/pipeline"
)

// runProcess sends one input through the full pipeline and prints the
// result. Useful for profile development and parser debugging.
func runProcess(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("process", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		input     string
		userID    string
		sessionID string
	)
	cmd.StringVar(&input, "input", "", "User input to process (REQUIRED)")
	cmd.StringVar(&userID, "user", "cli", "User ID to attribute the request to")
	cmd.StringVar(&sessionID, "session", "", "Session ID (defaults to a fresh one)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if input == "" {
		fmt.Fprintln(stderr, "Error: --input is required")
		cmd.Usage()
		return 2
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.SetupLogging(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	subs, err := buildSubsystems(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer subs.Close()

	res, err := subs.pipeline.Process(ctx, pipeline.Request{
		UserInput: input,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))

	if res.Status != pipeline.StatusCompleted {
		return 1
	}
	return 0
}
