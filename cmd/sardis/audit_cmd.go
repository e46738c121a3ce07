package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/audit"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/config"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: sardis audit <verify|export> [flags]")
		return 2
	}
	switch args[0] {
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	case "export":
		return runAuditExport(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

func openAuditLog(ctx context.Context, cfg *config.Config) (*audit.SQLLog, func(), error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	l := audit.NewSQLLog(db)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return l, func() { _ = db.Close() }, nil
}

type auditReport struct {
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	FirstSeq  uint64 `json:"first_sequence,omitempty"`
	LastSeq   uint64 `json:"last_sequence,omitempty"`
	ChainHead string `json:"chain_head,omitempty"`
	Error     string `json:"error,omitempty"`
}

// runAuditVerify recomputes the hash chain. Starting past sequence 1
// verifies a segment and trusts its first previous_hash.
func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		from  uint64
		limit int
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to verify")
	cmd.IntVar(&limit, "limit", 0, "Maximum entries to verify (0 = all)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	l, closeDB, err := openAuditLog(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeDB()

	entries, err := l.Entries(ctx, from, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := auditReport{Valid: true, Entries: len(entries)}
	if n := len(entries); n > 0 {
		report.FirstSeq = entries[0].Sequence
		report.LastSeq = entries[n-1].Sequence
		report.ChainHead = entries[n-1].EntryHash
	}
	if err := audit.Verify(entries); err != nil {
		report.Valid = false
		report.Error = err.Error()
	}
	printJSON(stdout, report)
	if !report.Valid {
		return 1
	}
	return 0
}

// runAuditExport writes a verified JSONL segment to the configured archive:
// GCS, then S3, then a local directory.
func runAuditExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		from   uint64
		limit  int
		prefix string
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to export")
	cmd.IntVar(&limit, "limit", 10000, "Maximum entries in the segment")
	cmd.StringVar(&prefix, "prefix", "audit/", "Object key prefix")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	archiver, err := openArchiver(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	l, closeDB, err := openAuditLog(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeDB()

	seg, err := audit.Export(ctx, l, archiver, prefix, from, limit)
	if errors.Is(err, audit.ErrNothingToArchive) {
		_, _ = fmt.Fprintln(stdout, "nothing to archive")
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, seg)
	return 0
}

func openArchiver(ctx context.Context, cfg *config.Config) (audit.Archiver, error) {
	switch {
	case cfg.GCSBucket != "":
		return audit.NewGCSArchiver(ctx, cfg.GCSBucket)
	case cfg.S3Bucket != "":
		return audit.NewS3Archiver(ctx, audit.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
	case cfg.ArchiveDir != "":
		return audit.DirArchiver{Dir: cfg.ArchiveDir}, nil
	default:
		return nil, errors.New("no archive configured (set SARDIS_ARCHIVE_DIR, SARDIS_ARCHIVE_S3_BUCKET or SARDIS_ARCHIVE_GCS_BUCKET)")
	}
}
