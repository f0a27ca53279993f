package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/tidemark-labs/keel/pkg/canonicalize"
	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Effect is the closed decision set.
type Effect string

const (
	EffectAllow           Effect = "ALLOW"
	EffectDeny            Effect = "DENY"
	EffectRequireApproval Effect = "REQUIRE_APPROVAL"
)

// Subject is the evaluated caller identity. Verified is set by the
// identity layer after checking the caller's token; an unverified subject
// is always denied, whatever the rules say.
type Subject struct {
	ID       string   `json:"id"`
	Roles    []string `json:"roles"`
	Verified bool     `json:"verified"`
}

// Request is one gated action to authorize.
type Request struct {
	TenantID    contracts.TenantID `json:"tenant_id"`
	Subject     Subject            `json:"subject"`
	Action      string             `json:"action"`
	Resource    string             `json:"resource"`
	Environment map[string]any     `json:"environment,omitempty"`
}

// Decision is the evaluation outcome. ProofHash binds it to the exact
// snapshot version and matched rule, so a later replay can verify the
// decision without re-running the rules.
type Decision struct {
	Effect            Effect                    `json:"effect"`
	Reason            contracts.ReasonCode      `json:"reason"`
	MatchedRuleID     string                    `json:"matched_rule_id,omitempty"`
	RequiredApprovals []string                  `json:"required_approvals,omitempty"`
	SnapshotVersion   contracts.SnapshotVersion `json:"snapshot_version"`
	ProofHash         string                    `json:"proof_hash"`
}

// Evaluate authorizes one request against a snapshot.
//
// Rule evaluation order is the declared source order, so the first
// matching allow rule is stable across invocations. Any condition
// evaluation error fails closed to Deny.
func Evaluate(snap *Snapshot, req Request) (Decision, error) {
	if !req.Subject.Verified || req.Subject.ID == "" {
		return sealed(snap, Decision{
			Effect: EffectDeny,
			Reason: contracts.ReasonSubjectUnknown,
		})
	}

	activation := map[string]any{
		"subject": map[string]any{
			"id":    req.Subject.ID,
			"roles": req.Subject.Roles,
		},
		"action":      req.Action,
		"resource":    req.Resource,
		"environment": environmentOrEmpty(req.Environment),
	}

	matched := ""
	for _, ca := range snap.allow {
		ok, err := ruleMatches(ca.rule.Roles, ca.rule.Actions, ca.rule.Resources,
			req.Subject.Roles, req.Action, req.Resource, ca.cond, activation)
		if err != nil {
			return sealed(snap, Decision{Effect: EffectDeny, Reason: contracts.ReasonPolicyDeny})
		}
		if ok {
			matched = ca.rule.ID
			break
		}
	}

	if matched == "" {
		return sealed(snap, Decision{
			Effect: EffectDeny,
			Reason: contracts.ReasonPolicyNoMatch,
		})
	}

	// An allow can still be upgraded to RequireApproval.
	for _, ap := range snap.approvals {
		ok, err := ruleMatches(nil, ap.rule.Actions, ap.rule.Resources,
			nil, req.Action, req.Resource, ap.cond, activation)
		if err != nil {
			return sealed(snap, Decision{Effect: EffectDeny, Reason: contracts.ReasonPolicyDeny})
		}
		if ok {
			return sealed(snap, Decision{
				Effect:            EffectRequireApproval,
				Reason:            contracts.ReasonApprovalRequired,
				MatchedRuleID:     ap.rule.ID,
				RequiredApprovals: append([]string(nil), ap.rule.Approvals...),
			})
		}
	}

	return sealed(snap, Decision{
		Effect:        EffectAllow,
		Reason:        contracts.ReasonOK,
		MatchedRuleID: matched,
	})
}

// sealed stamps the snapshot version and the decision proof hash. The
// hash covers (snapshot_version, matched_rule_id) only: it proves which
// rule of which snapshot produced the decision, nothing more.
func sealed(snap *Snapshot, d Decision) (Decision, error) {
	d.SnapshotVersion = snap.Version
	hash, err := canonicalize.Hash(map[string]string{
		"snapshot_version": string(snap.Version),
		"matched_rule_id":  d.MatchedRuleID,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: proof hash: %w", err)
	}
	d.ProofHash = hash
	return d, nil
}

func ruleMatches(roles, actions, resources, subjectRoles []string, action, resource string,
	cond cel.Program, activation map[string]any) (bool, error) {
	if roles != nil && !intersects(roles, subjectRoles) {
		return false, nil
	}
	if !matchesPattern(actions, action) {
		return false, nil
	}
	if !matchesPattern(resources, resource) {
		return false, nil
	}
	if cond == nil {
		return true, nil
	}
	out, _, err := cond.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("policy: condition eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: condition returned %T", out.Value())
	}
	return b, nil
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// matchesPattern supports exact entries and the "*" wildcard.
func matchesPattern(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || p == value {
			return true
		}
	}
	return false
}

func environmentOrEmpty(env map[string]any) map[string]any {
	if env == nil {
		return map[string]any{}
	}
	return env
}
