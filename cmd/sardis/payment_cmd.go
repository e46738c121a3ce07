package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/config"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/gateway"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/mandate"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/replay"
)

func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readRequest(path string) (contracts.PaymentRequest, error) {
	var req contracts.PaymentRequest
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

// runSubmitCmd pushes one payment request through the pipeline in-process.
//
// Exit codes: 0 accepted (settled, submitted or parked for approval),
// 1 rejected or failed, 2 usage or infrastructure error.
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "Path to a PaymentRequest JSON document (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}
	req, err := readRequest(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	sys, err := openSystem(ctx, cfg, systemOptions{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer sys.Close()

	out, err := sys.gw.Submit(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	printJSON(stdout, out)
	switch out.Status {
	case gateway.StatusRejected, gateway.StatusFailed:
		return 1
	}
	return 0
}

type verifyReport struct {
	Accepted  bool   `json:"accepted"`
	Identity  string `json:"identity,omitempty"`
	MandateID string `json:"mandate_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// runVerifyMandateCmd checks a chain against the identity registry with a
// throwaway replay store, so the nonces stay usable for a real submission.
func runVerifyMandateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-mandate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file     string
		registry string
	)
	cmd.StringVar(&file, "file", "", "Path to a PaymentRequest JSON document (REQUIRED)")
	cmd.StringVar(&registry, "registry", os.Getenv("SARDIS_IDENTITY_REGISTRY"), "Identity registry file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" || registry == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file and --registry are required")
		return 2
	}

	req, err := readRequest(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := identity.LoadRegistryFile(registry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v, err := mandate.NewVerifier(reg, replay.NewMemoryStore())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res := v.Verify(context.Background(), req.Chain)
	report := verifyReport{Accepted: res.Accepted, Identity: res.Identity, MandateID: res.Payment.MandateID}
	if !res.Accepted {
		report.Reason = string(res.Reason)
		if res.Err != nil {
			report.Error = res.Err.Error()
		}
	}
	printJSON(stdout, report)
	if !res.Accepted {
		return 1
	}
	return 0
}
