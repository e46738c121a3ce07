package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// SupportedSchemaVersions is the semver constraint policy documents must meet.
const SupportedSchemaVersions = "^1.0"

var ErrInvalidPolicy = errors.New("invalid policy")

// ValidationError lists every problem found in a candidate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidPolicy, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPolicy }

// Ceilings are hard caps no policy may exceed, whatever produced it.
type Ceilings struct {
	MaxPerTx   int64
	MaxDaily   int64
	MaxWeekly  int64
	MaxMonthly int64
}

// DefaultCeilings in minor units.
func DefaultCeilings() Ceilings {
	return Ceilings{
		MaxPerTx:   1_000_000,
		MaxDaily:   5_000_000,
		MaxWeekly:  20_000_000,
		MaxMonthly: 50_000_000,
	}
}

type ceilingRule struct {
	name string
	expr string
}

var ceilingRules = []ceilingRule{
	{"per_tx_within_ceiling", `policy.limit_per_tx <= ceiling.max_per_tx`},
	{"daily_within_ceiling", `!has(policy.daily_limit) || policy.daily_limit <= ceiling.max_daily`},
	{"weekly_within_ceiling", `!has(policy.weekly_limit) || policy.weekly_limit <= ceiling.max_weekly`},
	{"monthly_within_ceiling", `!has(policy.monthly_limit) || policy.monthly_limit <= ceiling.max_monthly`},
	{"auto_approve_within_per_tx", `policy.auto_approve_ceiling <= policy.limit_per_tx`},
	{"daily_not_above_weekly", `!has(policy.daily_limit) || !has(policy.weekly_limit) || policy.daily_limit <= policy.weekly_limit`},
	{"weekly_not_above_monthly", `!has(policy.weekly_limit) || !has(policy.monthly_limit) || policy.weekly_limit <= policy.monthly_limit`},
}

// Validated is an accepted policy plus the warnings raised for fields the
// producer did not supply.
type Validated struct {
	Policy   contracts.SpendingPolicy
	Warnings []string
}

// Validator turns untrusted policy documents into SpendingPolicy values.
// Missing optional fields are defaulted restrictively and reported.
type Validator struct {
	schema     *jsonschema.Schema
	env        *cel.Env
	ceilings   Ceilings
	versions   *semver.Constraints
	categories CategoryTable

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewValidator compiles the schema and CEL environment.
func NewValidator(ceilings Ceilings, categories CategoryTable) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	schema, err := c.Compile(policySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("policy", cel.DynType),
		cel.Variable("ceiling", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	versions, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return nil, err
	}
	if categories == nil {
		categories = DefaultCategories()
	}

	return &Validator{
		schema:     schema,
		env:        env,
		ceilings:   ceilings,
		versions:   versions,
		categories: categories,
		prgCache:   make(map[string]cel.Program),
	}, nil
}

// Validate checks a JSON candidate: schema, strict decode, ceiling rules and
// schema version, in that order.
func (v *Validator) Validate(doc []byte) (Validated, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Validated{}, &ValidationError{Problems: []string{"malformed json: " + err.Error()}}
	}
	if err := v.schema.Validate(raw); err != nil {
		return Validated{}, &ValidationError{Problems: []string{"schema: " + err.Error()}}
	}

	strict := json.NewDecoder(bytes.NewReader(doc))
	strict.DisallowUnknownFields()
	var p contracts.SpendingPolicy
	if err := strict.Decode(&p); err != nil {
		return Validated{}, &ValidationError{Problems: []string{"decode: " + err.Error()}}
	}

	warnings := applyRestrictiveDefaults(&p, raw)

	var problems []string
	version, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		problems = append(problems, fmt.Sprintf("schema_version %q is not semver", p.SchemaVersion))
	} else if !v.versions.Check(version) {
		problems = append(problems, fmt.Sprintf("schema_version %s does not satisfy %s", p.SchemaVersion, SupportedSchemaVersions))
	}

	input := map[string]any{
		"policy":  celPolicy(p),
		"ceiling": v.celCeilings(),
	}
	for _, rule := range ceilingRules {
		ok, err := v.evaluateExpr(rule.expr, input)
		if err != nil {
			// Fail closed on evaluation errors.
			problems = append(problems, fmt.Sprintf("ceiling rule %s: %v", rule.name, err))
			continue
		}
		if !ok {
			problems = append(problems, "ceiling rule violated: "+rule.name)
		}
	}

	for _, c := range p.BlockedCategories {
		if _, known := v.categories.Lookup(c); known {
			continue
		}
		if !v.knownCategoryName(c) {
			warnings = append(warnings, fmt.Sprintf("blocked category %q is not in the category table", c))
		}
	}

	if len(problems) > 0 {
		return Validated{}, &ValidationError{Problems: problems}
	}
	return Validated{Policy: p, Warnings: warnings}, nil
}

// ValidatePolicy runs an already-typed policy through the same pipeline.
func (v *Validator) ValidatePolicy(p contracts.SpendingPolicy) (Validated, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return Validated{}, err
	}
	return v.Validate(doc)
}

func (v *Validator) knownCategoryName(name string) bool {
	want := NormalizeMerchant(name)
	for _, n := range v.categories {
		if n == want {
			return true
		}
	}
	return false
}

func applyRestrictiveDefaults(p *contracts.SpendingPolicy, raw map[string]any) []string {
	var warnings []string
	if _, ok := raw["daily_limit"]; !ok {
		p.DailyLimit = contracts.Limit(p.LimitPerTx)
		warnings = append(warnings, "daily_limit missing: defaulted to limit_per_tx")
	}
	if _, ok := raw["auto_approve_ceiling"]; !ok {
		p.AutoApproveCeiling = 0
		warnings = append(warnings, "auto_approve_ceiling missing: every payment requires approval")
	}
	if _, ok := raw["allowed_scopes"]; !ok {
		p.AllowedScopes = nil
		warnings = append(warnings, "allowed_scopes missing: no settlement scope allowed")
	}
	if _, ok := raw["weekly_limit"]; !ok {
		warnings = append(warnings, "weekly_limit missing: bounded by daily_limit only")
	}
	if _, ok := raw["monthly_limit"]; !ok {
		warnings = append(warnings, "monthly_limit missing: bounded by daily_limit only")
	}
	return warnings
}

func celPolicy(p contracts.SpendingPolicy) map[string]any {
	m := map[string]any{
		"limit_per_tx":         p.LimitPerTx,
		"auto_approve_ceiling": p.AutoApproveCeiling,
	}
	for _, kind := range contracts.WindowKinds {
		if l := p.WindowLimit(kind); l != nil {
			m[string(kind)+"_limit"] = *l
		}
	}
	return m
}

func (v *Validator) celCeilings() map[string]any {
	return map[string]any{
		"max_per_tx":  v.ceilings.MaxPerTx,
		"max_daily":   v.ceilings.MaxDaily,
		"max_weekly":  v.ceilings.MaxWeekly,
		"max_monthly": v.ceilings.MaxMonthly,
	}
}

func (v *Validator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	v.mu.RLock()
	prg, hit := v.prgCache[expr]
	v.mu.RUnlock()

	if !hit {
		v.mu.Lock()
		if prg, hit = v.prgCache[expr]; !hit {
			ast, issues := v.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				v.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := v.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				v.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			v.prgCache[expr] = p
			prg = p
		}
		v.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
