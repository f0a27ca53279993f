// Package evidence holds content-addressed references to material that
// lives outside the kernel (transcripts, documents, recordings). The
// kernel never stores raw sensitive payloads; ledger and audit rows carry
// only the references minted here, and possession of a reference proves
// which exact content it pointed at.
package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tidemark-labs/keel/pkg/canonicalize"
	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Ref is a content-addressed evidence reference: "sha256:<hex>".
type Ref string

// Record describes one piece of external evidence.
type Record struct {
	Ref       Ref                `json:"ref"`
	TenantID  contracts.TenantID `json:"tenant_id"`
	Kind      string             `json:"kind"`     // e.g. "transcript", "document"
	Location  string             `json:"location"` // where the content actually lives
	Digest    string             `json:"digest"`   // sha256 of the external content
	CreatedAt time.Time          `json:"created_at"`
}

var ErrNotFound = errors.New("evidence: reference not found")

// Store mints and resolves evidence references.
type Store interface {
	// Put registers external content by digest and returns its reference.
	// Re-registering the same (tenant, digest) returns the existing ref.
	Put(ctx context.Context, tenant contracts.TenantID, kind, location, digest string) (Record, error)

	// Resolve returns the record behind a reference.
	Resolve(ctx context.Context, tenant contracts.TenantID, ref Ref) (Record, error)
}

// InMemoryStore keeps references in process. Deployments that need
// durable references persist the same shape in the shared store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[refKey]Record
}

type refKey struct {
	tenant contracts.TenantID
	ref    Ref
}

// NewInMemoryStore creates an empty evidence store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[refKey]Record)}
}

// Put implements Store.
func (s *InMemoryStore) Put(ctx context.Context, tenant contracts.TenantID, kind, location, digest string) (Record, error) {
	ref := Ref("sha256:" + canonicalize.HashBytes([]byte(string(tenant)+":"+digest)))

	s.mu.Lock()
	defer s.mu.Unlock()

	k := refKey{tenant, ref}
	if existing, ok := s.records[k]; ok {
		return existing, nil
	}
	rec := Record{
		Ref:       ref,
		TenantID:  tenant,
		Kind:      kind,
		Location:  location,
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
	}
	s.records[k] = rec
	return rec, nil
}

// Resolve implements Store.
func (s *InMemoryStore) Resolve(ctx context.Context, tenant contracts.TenantID, ref Ref) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[refKey{tenant, ref}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
