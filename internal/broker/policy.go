package broker

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Policy is a compiled CEL predicate deciding whether a session may
// perform a given command against a document, evaluated once per
// command dispatch in RouteFromSession. Configured per-deployment
// (e.g. "cmd != 'save' || !session_read_only") rather than hardcoded,
// mirroring the filter-expression approach used elsewhere for
// declarative, restart-free policy changes. When disabled, Allow
// always returns true.
type Policy struct {
	prog    cel.Program
	enabled bool
}

// NewPolicy compiles expr, an expression over the variables cmd
// (string), session_read_only (bool), session_count (int),
// doc_modified (bool) and storage_drifted (bool). An empty expr
// disables policy enforcement.
func NewPolicy(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Policy{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("cmd", cel.StringType),
		cel.Variable("session_read_only", cel.BoolType),
		cel.Variable("session_count", cel.IntType),
		cel.Variable("doc_modified", cel.BoolType),
		cel.Variable("storage_drifted", cel.BoolType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Policy{prog: prog, enabled: true}, nil
}

// Allow evaluates the compiled policy for one command against the
// broker's current state; a false result means RouteFromSession must
// reject the command rather than forward it.
func (p *Policy) Allow(cmd string, readOnly bool, sessionCount int, modified, drifted bool) bool {
	if p == nil || !p.enabled {
		return true
	}
	out, _, err := p.prog.Eval(map[string]any{
		"cmd":               cmd,
		"session_read_only": readOnly,
		"session_count":     int64(sessionCount),
		"doc_modified":      modified,
		"storage_drifted":   drifted,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
