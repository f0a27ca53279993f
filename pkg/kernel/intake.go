package kernel

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Clock supplies envelope timestamps. The kernel stamps time; callers
// never do, which is what keeps time consistent for replay.
type Clock interface {
	Now() time.Time
}

// MonotonicClock is a wall clock that never moves backwards, even if the
// system clock does.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewMonotonicClock creates a monotonic wall clock.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now implements Clock.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// acceptedSchema is the envelope schema series this build accepts.
var acceptedSchema = semver.MustParse(contracts.EnvelopeSchemaVersion)

// checkIntake runs every pre-ledger gate: structural validation, schema
// version compatibility, capability existence, payload schema, and the
// idempotency-key requirement for writes. Failing any gate means the
// envelope produced no ledger write at all.
func checkIntake(env *contracts.Envelope, reg *Registry) (Capability, error) {
	if err := env.Validate(); err != nil {
		return Capability{}, err
	}

	v, err := semver.NewVersion(env.SchemaVersion)
	if err != nil {
		return Capability{}, &contracts.ContractError{
			Reason: contracts.ReasonSchemaMismatch,
			Detail: "schema_version is not semver: " + env.SchemaVersion,
		}
	}
	if v.Major() != acceptedSchema.Major() {
		return Capability{}, &contracts.ContractError{
			Reason: contracts.ReasonSchemaMismatch,
			Detail: "unsupported schema series " + env.SchemaVersion,
		}
	}

	c, ok := reg.Lookup(env.Destination.CapabilityID)
	if !ok {
		return Capability{}, &contracts.ContractError{
			Reason: contracts.ReasonUnknownCapability,
			Detail: string(env.Destination.CapabilityID),
		}
	}

	if c.Write && env.IdempotencyKey == "" {
		// No key, no dispatch. Ever.
		return Capability{}, &contracts.ContractError{
			Reason: contracts.ReasonMissingIdempotency,
			Detail: "write capability requires an idempotency key",
		}
	}

	if c.PayloadSchema != nil {
		if err := validatePayload(c.PayloadSchema, env.Payload); err != nil {
			return Capability{}, err
		}
	}
	return c, nil
}

func validatePayload(schema *jsonschema.Schema, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &contracts.ContractError{
			Reason: contracts.ReasonMalformedEnvelope,
			Detail: "payload is not valid JSON",
		}
	}
	if err := schema.Validate(doc); err != nil {
		return &contracts.ContractError{
			Reason: contracts.ReasonPayloadUnverifiable,
			Detail: err.Error(),
		}
	}
	return nil
}

func jsonReader(doc []byte) io.Reader {
	return bytes.NewReader(doc)
}
