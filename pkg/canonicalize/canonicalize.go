// Package canonicalize provides RFC 8785 (JCS) canonical JSON and the
// SHA-256 digests derived from it. Every deterministic hash in the kernel
// (idempotency keys, decision proofs, chain links) is computed over
// canonical bytes so that two encodings of the same value always collide.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON encoding of v.
//
// v is marshaled with encoding/json first (so struct tags apply), then
// transformed: keys sorted by UTF-8 bytes, no HTML escaping, canonical
// number formatting.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the fixed-formula dispatch key:
// sha256(tenant + uow + operation + stable input digest). The input digest
// is itself a canonical hash, so key equality survives re-encoding.
func IdempotencyKey(tenantID, unitOfWorkID, operationID string, input any) (string, error) {
	digest, err := Hash(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(tenantID + unitOfWorkID + operationID + digest))
	return hex.EncodeToString(sum[:]), nil
}
