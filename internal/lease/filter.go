package lease

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/ciqueue/internal/item"
)

// Filter is a compiled CEL predicate over a queued revision. Available
// variables: owner, repo, sha, branch (strings), pull_request, now_ms,
// lease_ts (ints) and leased (bool).
//
//	owner == "acme" && (branch == "main" || pull_request > 0)
type Filter struct {
	expr string
	prog cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil Filter, which
// accepts everything.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("owner", cel.StringType),
		cel.Variable("repo", cel.StringType),
		cel.Variable("sha", cel.StringType),
		cel.Variable("branch", cel.StringType),
		cel.Variable("pull_request", cel.IntType),
		cel.Variable("lease_ts", cel.IntType),
		cel.Variable("leased", cel.BoolType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("claim filter: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("claim filter: %w", iss2.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("claim filter: expression must be bool, got %s", checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Accept evaluates the filter for it. Evaluation errors reject the item.
func (f *Filter) Accept(it item.Item, now time.Time) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"owner":        it.Revision.Owner,
		"repo":         it.Revision.Repo,
		"sha":          it.Revision.SHA,
		"branch":       it.Revision.Branch,
		"pull_request": int64(it.Revision.PullRequest),
		"lease_ts":     it.LeaseTimestamp,
		"leased":       it.Leased(),
		"now_ms":       now.UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
