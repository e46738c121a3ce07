package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/escalation"
)

func runApprovalsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: sardis approvals <list|approve|deny> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runApprovalsList(args[1:], stdout, stderr)
	case "approve":
		return runApprovalReview(args[1:], true, stdout, stderr)
	case "deny":
		return runApprovalReview(args[1:], false, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown approvals subcommand: %s\n", args[0])
		return 2
	}
}

func runApprovalsList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approvals list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		status     string
		jsonOutput bool
	)
	cmd.StringVar(&status, "status", string(contracts.ApprovalPending), "Filter by status; empty lists all")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	store := escalation.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	list, err := store.List(ctx, contracts.ApprovalStatus(status))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		printJSON(stdout, list)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tACTION\tSTATUS\tURGENCY\tREQUESTED BY\tAMOUNT\tEXPIRES")
	for _, a := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d %s\t%s\n",
			a.ID, a.Action, a.Status, a.Urgency, a.RequestedBy,
			a.Payload.AmountMinor, a.Payload.Token, a.ExpiresAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

// runApprovalReview records an operator decision and carries it through:
// an approved payment settles, an approved policy change is applied.
func runApprovalReview(args []string, approve bool, stdout, stderr io.Writer) int {
	name := "approvals deny"
	if approve {
		name = "approvals approve"
	}
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		id    string
		note  string
		token string
	)
	cmd.StringVar(&id, "id", "", "Approval ID (REQUIRED)")
	cmd.StringVar(&note, "note", "", "Review note")
	cmd.StringVar(&token, "token", os.Getenv("SARDIS_OPERATOR_TOKEN"), "Operator token")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" || token == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --token are required")
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

	review, err := sys.gw.ReviewApproval(ctx, token, id, approve, note)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, review)
	return 0
}

// runReconcileCmd runs one reconciliation sweep and prints its report.
func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
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

	report, err := sys.gw.Reconciler(cfg.ReconcileTimeout, cfg.DropTimeout).Sweep(ctx)
	printJSON(stdout, report)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
