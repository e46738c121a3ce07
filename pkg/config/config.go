// Package config reads process configuration from 12-factor environment
// variables and the YAML chain file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrMissingRegistry is returned when no identity registry is configured.
// The pipeline cannot verify mandates without one, in any environment.
var ErrMissingRegistry = errors.New("SARDIS_IDENTITY_REGISTRY is required")

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// DatabaseURL selects Postgres; empty runs Lite Mode on SQLite under DataDir.
	DatabaseURL string
	DataDir     string
	RedisURL    string
	NATSURL     string

	IdentityRegistry string
	PolicyDir        string
	ChainsFile       string
	SignerKeyHex     string
	OperatorSecret   string

	ComplianceMode      string
	ComplianceOpenBelow int64
	ComplianceListFile  string
	ComplianceCacheTTL  time.Duration

	ReceiptTimeout     time.Duration
	ReconcileInterval  time.Duration
	ReconcileTimeout   time.Duration
	DropTimeout        time.Duration
	ApprovalSweepEvery time.Duration

	ArchiveDir string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string

	OTelEnabled  bool
	OTLPEndpoint string
}

// LitePath is the SQLite file used when DatabaseURL is empty.
func (c *Config) LitePath() string {
	return filepath.Join(c.DataDir, "sardis.db")
}

// LiteMode reports whether the process runs without Postgres.
func (c *Config) LiteMode() bool {
	return strings.TrimSpace(c.DatabaseURL) == ""
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		Environment: envOr("SARDIS_ENV", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("SARDIS_DATA_DIR", "data"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),

		IdentityRegistry: os.Getenv("SARDIS_IDENTITY_REGISTRY"),
		PolicyDir:        os.Getenv("SARDIS_POLICY_DIR"),
		ChainsFile:       os.Getenv("SARDIS_CHAINS"),
		SignerKeyHex:     os.Getenv("SARDIS_SIGNER_KEY"),
		OperatorSecret:   os.Getenv("SARDIS_OPERATOR_SECRET"),

		ComplianceMode:     envOr("SARDIS_COMPLIANCE_MODE", "closed"),
		ComplianceListFile: os.Getenv("SARDIS_COMPLIANCE_LIST"),

		ArchiveDir: os.Getenv("SARDIS_ARCHIVE_DIR"),
		S3Bucket:   os.Getenv("SARDIS_ARCHIVE_S3_BUCKET"),
		S3Region:   envOr("AWS_REGION", "us-east-1"),
		S3Endpoint: os.Getenv("SARDIS_ARCHIVE_S3_ENDPOINT"),
		GCSBucket:  os.Getenv("SARDIS_ARCHIVE_GCS_BUCKET"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	cfg.ComplianceOpenBelow = envInt64("SARDIS_COMPLIANCE_OPEN_BELOW", 0, &errs)
	cfg.ComplianceCacheTTL = envDuration("SARDIS_COMPLIANCE_CACHE_TTL", 10*time.Minute, &errs)
	cfg.ReceiptTimeout = envDuration("SARDIS_RECEIPT_TIMEOUT", 30*time.Second, &errs)
	cfg.ReconcileInterval = envDuration("SARDIS_RECONCILE_INTERVAL", time.Minute, &errs)
	cfg.ReconcileTimeout = envDuration("SARDIS_RECONCILE_TIMEOUT", 10*time.Minute, &errs)
	cfg.DropTimeout = envDuration("SARDIS_DROP_TIMEOUT", 2*time.Hour, &errs)
	cfg.ApprovalSweepEvery = envDuration("SARDIS_APPROVAL_SWEEP_INTERVAL", 30*time.Second, &errs)

	if cfg.IdentityRegistry == "" {
		errs = append(errs, ErrMissingRegistry)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func envInt64(key string, def int64, errs *[]error) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid amount %q", key, v))
		return def
	}
	return n
}
