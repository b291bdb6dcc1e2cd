package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tetrad-labs/countersign/pkg/config"
	"github.com/tetrad-labs/countersign/pkg/ledger"
)

// runVerify replays the audit ledger's hash chain and reports integrity.
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := buildLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	valid, reason, err := store.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	head, seq, err := store.Head(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"valid":     valid,
			"reason":    reason,
			"head_hash": head,
			"sequence":  seq,
		}, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if valid {
		fmt.Fprintf(stdout, "Ledger verified: %d entries, head %s\n", seq, head)
	} else {
		fmt.Fprintf(stderr, "Ledger verification FAILED: %s\n", reason)
	}

	if !valid {
		return 1
	}
	return 0
}

// runArchive uploads the verified chain to object storage. The upload is
// content addressed, so re-running it on an unchanged ledger is a no-op.
func runArchive(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		since time.Duration
		limit int
	)
	cmd.DurationVar(&since, "since", 30*24*time.Hour, "Archive entries newer than this age")
	cmd.IntVar(&limit, "limit", 10000, "Maximum entries per archive segment")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.ArchiveBucket == "" {
		fmt.Fprintln(stderr, "Error: COUNTERSIGN_ARCHIVE_BUCKET is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := buildLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Refuse to archive a corrupt chain.
	valid, reason, err := store.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !valid {
		fmt.Fprintf(stderr, "Error: ledger failed verification: %s\n", reason)
		return 1
	}

	now := time.Now()
	entries, err := store.ByTimeRange(ctx, now.Add(-since), now, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "Nothing to archive")
		return 0
	}

	archive, err := ledger.NewS3Archive(ctx, ledger.S3ArchiveConfig{
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   "ledger",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ref, err := archive.Archive(ctx, entries)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Archived %d entries: %s\n", len(entries), ref)
	return 0
}
