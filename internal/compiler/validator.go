package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

// Validation check names, in the order they run.
const (
	CheckStatementKind = "statement_kind"
	CheckSchemaAllowed = "schema_allowed"
	CheckNoSelectStar  = "no_select_star"
	CheckTablesInPlan  = "tables_in_plan"
)

// ASTChecks records which static checks a statement passed.
type ASTChecks struct {
	NoDDL         bool `json:"no_ddl"`
	NoDML         bool `json:"no_dml"`
	NoExport      bool `json:"no_export"`
	SchemaAllowed bool `json:"schema_allowed"`
	NoSelectStar  bool `json:"no_select_star"`
	TablesInPlan  bool `json:"tables_in_plan"`
}

// Passed reports whether every check passed.
func (c ASTChecks) Passed() bool {
	return c.NoDDL && c.NoDML && c.NoExport && c.SchemaAllowed && c.NoSelectStar && c.TablesInPlan
}

// Validator statically checks candidate SQL. It is a pure function of the
// candidate string, the allowlist and the permitted tables.
type Validator struct {
	allowlist   map[string]bool
	modelSchema func(schema string) bool
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithModelAllowlist narrows the allowlist: a schema must also satisfy
// allowed, which is consulted on every validation so a model reload takes
// effect immediately.
func WithModelAllowlist(allowed func(schema string) bool) ValidatorOption {
	return func(v *Validator) {
		v.modelSchema = allowed
	}
}

// NewValidator creates a validator for the given schema allowlist.
func NewValidator(schemaAllowlist []string, opts ...ValidatorOption) *Validator {
	allowed := make(map[string]bool, len(schemaAllowlist))
	for _, s := range schemaAllowlist {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	v := &Validator{allowlist: allowed}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) schemaAllowed(schema string) bool {
	if !v.allowlist[schema] {
		return false
	}
	return v.modelSchema == nil || v.modelSchema(schema)
}

// Validate runs the checks in order and stops at the first failure. The
// returned checks reflect everything evaluated up to that point.
func (v *Validator) Validate(sql string, planTables []string) (ASTChecks, error) {
	var checks ASTChecks

	stmt, err := ParseStatement(sql)
	if err != nil {
		return checks, errors.NewValidationFailedError(CheckStatementKind, "could not parse statement: "+err.Error())
	}

	// (a) statement kind
	checks.NoDDL, checks.NoDML, checks.NoExport = true, true, true
	for _, kw := range stmt.Blocked {
		lower := strings.ToLower(kw)
		checks.NoDDL = checks.NoDDL && !ddlKeywords[lower]
		checks.NoDML = checks.NoDML && !dmlKeywords[lower]
		checks.NoExport = checks.NoExport && !exportKeywords[lower]
	}
	if len(stmt.Blocked) > 0 {
		return checks, errors.NewValidationFailedError(CheckStatementKind,
			fmt.Sprintf("forbidden keyword %s", stmt.Blocked[0]))
	}
	if stmt.Kind != "select" && stmt.Kind != "with" {
		return checks, errors.NewValidationFailedError(CheckStatementKind,
			fmt.Sprintf("statement kind %q is not allowed, only SELECT and WITH", strings.ToUpper(stmt.Kind)))
	}
	if stmt.Statements > 1 {
		return checks, errors.NewValidationFailedError(CheckStatementKind, "multiple statements are not allowed")
	}

	// (b) schema allowlist
	if len(stmt.Unresolved) > 0 {
		return checks, errors.NewValidationFailedError(CheckSchemaAllowed,
			fmt.Sprintf("unsupported table reference %s", stmt.Unresolved[0].Name()))
	}
	var denied []string
	for _, t := range stmt.Tables {
		if s := t.Schema(); s != "" && !v.schemaAllowed(s) {
			denied = append(denied, s)
		}
	}
	if len(denied) > 0 {
		return checks, errors.NewValidationFailedError(CheckSchemaAllowed,
			fmt.Sprintf("schema %s is not in the allowlist", uniqueSorted(denied)[0]))
	}
	checks.SchemaAllowed = true

	// (c) unqualified SELECT *
	if stmt.StarOffset >= 0 {
		return checks, errors.NewValidationFailedError(CheckNoSelectStar, "unqualified SELECT * is not allowed")
	}
	checks.NoSelectStar = true

	// (d) every table is part of the plan
	permitted := make(map[string]bool, len(planTables))
	for _, t := range planTables {
		permitted[strings.ToLower(t)] = true
	}
	sources := stmt.SourceTables()
	if len(sources) == 0 {
		return checks, errors.NewValidationFailedError(CheckTablesInPlan, "statement reads no table")
	}
	for _, t := range sources {
		if !permitted[t.Name()] {
			return checks, errors.NewValidationFailedError(CheckTablesInPlan,
				fmt.Sprintf("table %s is not part of the grounded plan", t.Name()))
		}
	}
	checks.TablesInPlan = true

	return checks, nil
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
