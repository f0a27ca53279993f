// Package kernel is the orchestrator boundary. Everything enters as an
// envelope, is authorized against the active policy snapshot, recorded in
// the ledger, and leaves as a result; capability templates plug in behind
// the registry and never see each other.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

// Effect is one side effect a handler asks the kernel to dispatch. The
// kernel derives the idempotency key, records the step, and hands the
// operation to the outbox; the handler never dispatches anything itself.
type Effect struct {
	OperationID string `json:"operation_id"`
	Payload     any    `json:"payload"`
}

// HandlerResponse is what a capability template returns to the kernel.
// Templates propose; only the kernel commits.
type HandlerResponse struct {
	Status         contracts.ResultStatus
	ReasonCode     contracts.ReasonCode
	ProducedFields map[string]string
	MissingFields  []string

	// NeedsConfirm asks the kernel to park the unit of work in
	// CONFIRM_PENDING until a later envelope confirms it.
	NeedsConfirm bool

	Effects []Effect
	Payload json.RawMessage
}

// Handler is the interface capability templates implement. The current
// projection is read-only context; all mutation goes through the kernel.
type Handler interface {
	Handle(ctx context.Context, env contracts.Envelope, current *ledger.Projection) (HandlerResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env contracts.Envelope, current *ledger.Projection) (HandlerResponse, error)

func (f HandlerFunc) Handle(ctx context.Context, env contracts.Envelope, current *ledger.Projection) (HandlerResponse, error) {
	return f(ctx, env, current)
}

// Capability describes one registered template.
type Capability struct {
	ID     contracts.CapabilityID
	Action string // the policy action gating this capability

	// Write marks capabilities with side effects; their envelopes must
	// carry an idempotency key or they are rejected before any write.
	Write bool

	// PayloadSchema optionally validates envelope payloads. Unknown
	// fields are rejected, not silently accepted.
	PayloadSchema *jsonschema.Schema

	Handler Handler
}

// Registry holds the registered capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[contracts.CapabilityID]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[contracts.CapabilityID]Capability)}
}

// Register adds a capability. Re-registering an id is a programming
// error and fails loudly.
func (r *Registry) Register(c Capability) error {
	if c.ID == "" || c.Handler == nil {
		return fmt.Errorf("kernel: capability must have id and handler")
	}
	if c.Action == "" {
		c.Action = "invoke:" + string(c.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.caps[c.ID]; dup {
		return fmt.Errorf("kernel: capability %s already registered", c.ID)
	}
	r.caps[c.ID] = c
	return nil
}

// Lookup returns the capability for an id.
func (r *Registry) Lookup(id contracts.CapabilityID) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// CompileSchema compiles a JSON Schema document for use as a capability
// payload schema. Schemas are compiled once at registration, not per
// request.
func CompileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, jsonReader(doc)); err != nil {
		return nil, fmt.Errorf("kernel: schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("kernel: schema %s: %w", name, err)
	}
	return schema, nil
}
