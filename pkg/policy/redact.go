package policy

import (
	"encoding/json"
	"fmt"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Redacted is the placeholder written over stripped fields. Keeping the
// key visible (with a marker value) preserves payload shape for callers.
const Redacted = "[REDACTED]"

// Redact applies the snapshot's redaction rules for one capability to a
// JSON object payload. Non-object payloads pass through untouched; there
// is nothing field-level to strip.
func (s *Snapshot) Redact(capability contracts.CapabilityID, payload json.RawMessage) (json.RawMessage, error) {
	fields := s.redactedFields(capability)
	if len(fields) == 0 || len(payload) == 0 {
		return payload, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload, nil //nolint:nilerr // not an object, nothing to redact
	}

	touched := false
	for _, f := range fields {
		if _, ok := obj[f]; ok {
			obj[f] = Redacted
			touched = true
		}
	}
	if !touched {
		return payload, nil
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("policy: redact: %w", err)
	}
	return out, nil
}

func (s *Snapshot) redactedFields(capability contracts.CapabilityID) []string {
	var fields []string
	for _, rule := range s.source.Redactions {
		if matchesPattern(rule.Capabilities, string(capability)) {
			fields = append(fields, rule.Fields...)
		}
	}
	return fields
}
