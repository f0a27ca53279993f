// Package policy compiles declarative role and attribute rules into
// versioned, immutable snapshots and evaluates gated actions against
// them. Evaluation is a pure function of (snapshot, request): same pair,
// same decision, same proof hash, every time. Absence of a matching
// allow rule is a Deny, never an Allow.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Source is the administrative input to the compiler, usually authored
// as YAML.
type Source struct {
	Roles      []Role          `yaml:"roles" json:"roles"`
	Allow      []AllowRule     `yaml:"allow" json:"allow"`
	Approvals  []ApprovalRule  `yaml:"approvals" json:"approvals"`
	Redactions []RedactionRule `yaml:"redactions" json:"redactions"`
}

// Role names a set of subjects for rule matching.
type Role struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// AllowRule grants an action on a resource to subjects holding any of the
// listed roles, optionally guarded by a CEL condition over the request
// environment.
type AllowRule struct {
	ID        string   `yaml:"id" json:"id"`
	Roles     []string `yaml:"roles" json:"roles"`
	Actions   []string `yaml:"actions" json:"actions"`
	Resources []string `yaml:"resources" json:"resources"`
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// ApprovalRule upgrades a matching allow into RequireApproval: the action
// is permitted only once the listed approvals are gathered.
type ApprovalRule struct {
	ID        string   `yaml:"id" json:"id"`
	Actions   []string `yaml:"actions" json:"actions"`
	Resources []string `yaml:"resources" json:"resources"`
	Approvals []string `yaml:"approvals" json:"approvals"`
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// RedactionRule strips named fields from result payloads for matching
// capabilities before anything leaves the kernel.
type RedactionRule struct {
	ID           string   `yaml:"id" json:"id"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Fields       []string `yaml:"fields" json:"fields"`
}

// ParseSource decodes a YAML rule document.
func ParseSource(data []byte) (Source, error) {
	var src Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return Source{}, fmt.Errorf("policy: parse source: %w", err)
	}
	return src, nil
}

// validate rejects sources the compiler cannot give deterministic
// semantics to.
func (s Source) validate() error {
	seen := make(map[string]struct{})
	for _, r := range s.Allow {
		if r.ID == "" {
			return fmt.Errorf("policy: allow rule without id")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if len(r.Roles) == 0 || len(r.Actions) == 0 || len(r.Resources) == 0 {
			return fmt.Errorf("policy: allow rule %q must bind roles, actions and resources", r.ID)
		}
	}
	for _, r := range s.Approvals {
		if r.ID == "" {
			return fmt.Errorf("policy: approval rule without id")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if len(r.Approvals) == 0 {
			return fmt.Errorf("policy: approval rule %q lists no approvals", r.ID)
		}
	}
	return nil
}
