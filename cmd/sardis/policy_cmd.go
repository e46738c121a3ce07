package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: sardis policy <validate|set> [flags]")
		return 2
	}
	switch args[0] {
	case "validate":
		return runPolicyValidate(args[1:], stdout, stderr)
	case "set":
		return runPolicySet(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

// runPolicyValidate checks policy documents offline. A directory validates
// every YAML and JSON file in it.
func runPolicyValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&path, "file", "", "Policy file or directory (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the normalized policies as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	v, err := policy.NewValidator(policy.DefaultCeilings(), policy.DefaultCategories())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var loaded []policy.LoadedPolicy
	info, err := os.Stat(path)
	switch {
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	case info.IsDir():
		loaded, err = policy.LoadPolicies(path, v)
	default:
		var val policy.Validated
		val, err = policy.LoadPolicyFile(path, v)
		loaded = []policy.LoadedPolicy{{Path: path, Validated: val}}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "INVALID: %v\n", err)
		return 1
	}

	if jsonOutput {
		out := make([]any, 0, len(loaded))
		for _, lp := range loaded {
			out = append(out, map[string]any{"path": lp.Path, "policy": lp.Policy, "warnings": lp.Warnings})
		}
		printJSON(stdout, out)
		return 0
	}
	for _, lp := range loaded {
		_, _ = fmt.Fprintf(stdout, "%sVALID%s %s (agent %s)\n", colorGreen, colorReset, lp.Path, lp.Policy.AgentID)
		for _, w := range lp.Warnings {
			_, _ = fmt.Fprintf(stdout, "  warning: %s\n", w)
		}
	}
	return 0
}

// runPolicySet submits a policy change as an operator. Narrowing changes
// apply at once; widening changes wait for a second operator.
func runPolicySet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy set", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		path  string
		agent string
		token string
	)
	cmd.StringVar(&path, "file", "", "Policy document, YAML or JSON (REQUIRED)")
	cmd.StringVar(&agent, "agent", "", "Agent the policy governs (defaults to the document's agent_id)")
	cmd.StringVar(&token, "token", os.Getenv("SARDIS_OPERATOR_TOKEN"), "Operator token")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" || token == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file and --token are required")
		return 2
	}

	doc, err := readPolicyDocument(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if agent == "" {
		agent = documentAgent(doc)
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

	change, err := sys.gw.UpdatePolicy(ctx, token, agent, doc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, change)
	return 0
}

func readPolicyDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return data, nil
	}
	return policy.YAMLToJSON(data)
}

func documentAgent(doc []byte) string {
	var head struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return ""
	}
	return head.AgentID
}
