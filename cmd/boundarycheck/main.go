// Command boundarycheck enforces the import boundaries of the decision core.
//
// Mandate verification, policy evaluation and the shared contracts must stay
// free of transport and chain clients so their outcomes depend only on their
// inputs. No package under pkg/ may depend on the pipeline orchestrator or on
// a command.
//
// Usage:
//
//	go run ./cmd/boundarycheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// transport lists import fragments that reach the network or a chain.
var transport = []string{
	"net/http",
	"github.com/nats-io/",
	"github.com/ethereum/go-ethereum",
	"github.com/redis/go-redis",
	"github.com/aws/aws-sdk-go-v2",
	"cloud.google.com/go",
}

type rule struct {
	// dir is relative to the project root. Subdirectories are included.
	dir       string
	forbidden []string
	// except names a directory the rule does not apply to.
	except string
}

var rules = []rule{
	{dir: "pkg/contracts", forbidden: append([]string{"/pkg/"}, transport...)},
	{dir: "pkg/canonicalize", forbidden: append([]string{"/pkg/"}, transport...)},
	{dir: "pkg/crypto", forbidden: transport},
	{dir: "pkg/policy", forbidden: append([]string{"/pkg/settlement", "/pkg/budget", "/pkg/escalation"}, transport...)},
	{dir: "pkg/mandate", forbidden: append([]string{"/pkg/settlement", "/pkg/policy"}, transport...)},
	{dir: "pkg", forbidden: []string{"/pkg/gateway", "/cmd/"}, except: "pkg/gateway"},
}

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Rule)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	found, err := check(root, rules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range found {
		_, _ = fmt.Fprintf(stdout, "BOUNDARY VIOLATION: %s\n", v)
	}
	if len(found) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d boundary violation(s) found\n", len(found))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "boundary check passed")
	return 0
}

// check parses the imports of every non-test Go file covered by rules.
func check(root string, rules []rule) ([]violation, error) {
	fset := token.NewFileSet()
	var out []violation
	for _, r := range rules {
		base := filepath.Join(root, filepath.FromSlash(r.dir))
		if _, err := os.Stat(base); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.dir, err)
		}
		err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if d.Name() == "testdata" || (r.except != "" && rel == r.except) {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", rel, err)
			}
			for _, imp := range f.Imports {
				p := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range r.forbidden {
					if strings.Contains(p, frag) {
						out = append(out, violation{File: rel, Line: fset.Position(imp.Pos()).Line, Import: p, Rule: frag})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
