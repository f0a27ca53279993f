package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/tidemark-labs/keel/pkg/canonicalize"
	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Snapshot is one compiled, immutable rule set. Once compiled it never
// changes; policy updates produce a new version.
type Snapshot struct {
	Version     contracts.SnapshotVersion
	ContentHash string
	CompiledAt  time.Time

	source    Source
	allow     []compiledAllow
	approvals []compiledApproval
}

type compiledAllow struct {
	rule AllowRule
	cond cel.Program // nil when the rule has no condition
}

type compiledApproval struct {
	rule ApprovalRule
	cond cel.Program
}

// SourceDocument returns the source the snapshot was compiled from, for
// persistence and audit.
func (s *Snapshot) SourceDocument() Source { return s.source }

// Compile builds a snapshot from a source document. This is the offline,
// administrative step; the hot path only ever sees the compiled result.
//
// The content hash is computed over the canonical encoding of the source,
// so two compiles of the same document always agree on it (CompiledAt is
// informational and excluded).
func Compile(src Source, version contracts.SnapshotVersion) (*Snapshot, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("environment", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	snap := &Snapshot{
		Version:    version,
		CompiledAt: time.Now().UTC(),
		source:     src,
	}

	for _, rule := range src.Allow {
		prog, err := compileCondition(env, rule.ID, rule.Condition)
		if err != nil {
			return nil, err
		}
		snap.allow = append(snap.allow, compiledAllow{rule: rule, cond: prog})
	}
	for _, rule := range src.Approvals {
		prog, err := compileCondition(env, rule.ID, rule.Condition)
		if err != nil {
			return nil, err
		}
		snap.approvals = append(snap.approvals, compiledApproval{rule: rule, cond: prog})
	}

	hash, err := canonicalize.Hash(src)
	if err != nil {
		return nil, fmt.Errorf("policy: content hash: %w", err)
	}
	snap.ContentHash = hash

	return snap, nil
}

func compileCondition(env *cel.Env, ruleID, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: rule %q condition: %w", ruleID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy: rule %q condition must be boolean, got %s", ruleID, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: rule %q program: %w", ruleID, err)
	}
	return prog, nil
}
