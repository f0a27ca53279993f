package outbox

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// InMemoryStore is the reference store used in tests.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

type recordKey struct {
	tenant contracts.TenantID
	key    string
}

// NewInMemoryStore creates an empty in-memory outbox.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[recordKey]*Record)}
}

// Enqueue implements Store.
func (s *InMemoryStore) Enqueue(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{rec.TenantID, rec.IdempotencyKey}
	if existing, ok := s.records[k]; ok {
		if !bytes.Equal(existing.Payload, rec.Payload) {
			return Record{}, ErrPayloadImmutable
		}
		return *existing, nil
	}

	now := time.Now().UTC()
	rec.Status = StatusPending
	rec.AttemptCount = 0
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = now
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[k] = &rec
	return rec, nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, tenant contracts.TenantID, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{tenant, key}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// Due implements Store.
func (s *InMemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if (rec.Status == StatusPending || rec.Status == StatusFailed) && !rec.NextAttemptAt.After(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ByUnitOfWork implements Store.
func (s *InMemoryStore) ByUnitOfWork(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.TenantID == tenant && rec.UnitOfWorkID == uow {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out, nil
}

// MarkSent implements Store.
func (s *InMemoryStore) MarkSent(ctx context.Context, tenant contracts.TenantID, key string) error {
	return s.update(tenant, key, func(rec *Record) {
		rec.Status = StatusSent
	})
}

// MarkConfirmed implements Store.
func (s *InMemoryStore) MarkConfirmed(ctx context.Context, tenant contracts.TenantID, key string) error {
	return s.update(tenant, key, func(rec *Record) {
		rec.Status = StatusConfirmed
	})
}

// MarkFailed implements Store.
func (s *InMemoryStore) MarkFailed(ctx context.Context, tenant contracts.TenantID, key string, attemptCount int, nextAttemptAt time.Time, reason contracts.ReasonCode) error {
	return s.update(tenant, key, func(rec *Record) {
		rec.Status = StatusFailed
		rec.AttemptCount = attemptCount
		rec.NextAttemptAt = nextAttemptAt
		rec.ReasonCode = reason
	})
}

// MarkDeadLetter implements Store.
func (s *InMemoryStore) MarkDeadLetter(ctx context.Context, tenant contracts.TenantID, key string, reason contracts.ReasonCode) error {
	return s.update(tenant, key, func(rec *Record) {
		rec.Status = StatusDeadLetter
		rec.ReasonCode = reason
		rec.NextAttemptAt = time.Time{}
	})
}

func (s *InMemoryStore) update(tenant contracts.TenantID, key string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{tenant, key}]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
