package evidence_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/evidence"
)

// TestPutMintsContentAddressedRef verifies refs are derived from the
// content digest and resolve back to the stored record.
func TestPutMintsContentAddressedRef(t *testing.T) {
	store := evidence.NewInMemoryStore()
	ctx := context.Background()

	rec, err := store.Put(ctx, "tenant-a", "transcript", "s3://bucket/call-1", "abc123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(rec.Ref), "sha256:"))
	assert.Equal(t, "abc123", rec.Digest)

	resolved, err := store.Resolve(ctx, "tenant-a", rec.Ref)
	require.NoError(t, err)
	assert.Equal(t, rec, resolved)
}

// TestPutIsIdempotent verifies re-registering the same content returns
// the existing record, original metadata included.
func TestPutIsIdempotent(t *testing.T) {
	store := evidence.NewInMemoryStore()
	ctx := context.Background()

	first, err := store.Put(ctx, "tenant-a", "transcript", "s3://bucket/call-1", "abc123")
	require.NoError(t, err)
	second, err := store.Put(ctx, "tenant-a", "document", "s3://elsewhere", "abc123")
	require.NoError(t, err)

	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, "transcript", second.Kind, "the first registration stands")
	assert.Equal(t, "s3://bucket/call-1", second.Location)
}

// TestRefsAreTenantScoped verifies the same digest yields distinct refs
// per tenant and resolution never crosses tenants.
func TestRefsAreTenantScoped(t *testing.T) {
	store := evidence.NewInMemoryStore()
	ctx := context.Background()

	a, err := store.Put(ctx, "tenant-a", "transcript", "loc", "abc123")
	require.NoError(t, err)
	b, err := store.Put(ctx, "tenant-b", "transcript", "loc", "abc123")
	require.NoError(t, err)
	assert.NotEqual(t, a.Ref, b.Ref)

	_, err = store.Resolve(ctx, "tenant-b", a.Ref)
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

// TestResolveUnknownRef verifies the sentinel for dangling references.
func TestResolveUnknownRef(t *testing.T) {
	store := evidence.NewInMemoryStore()
	_, err := store.Resolve(context.Background(), "tenant-a", "sha256:deadbeef")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}
