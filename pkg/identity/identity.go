// Package identity verifies who is calling. The envelope's source token
// is a signed JWT; verification produces the subject the policy layer
// evaluates. A missing, malformed or badly signed token yields an
// unverified subject, which policy unconditionally denies.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/policy"
)

// Claims extends the registered JWT claims with kernel-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

var (
	ErrTokenInvalid   = errors.New("identity: token invalid")
	ErrTenantMismatch = errors.New("identity: token tenant does not match envelope tenant")
)

// Verifier validates caller tokens against a shared signing key.
type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier creates a verifier for HMAC-signed tokens from the given
// issuer.
func NewVerifier(key []byte, issuer string) *Verifier {
	return &Verifier{key: key, issuer: issuer}
}

// Verify parses and validates a token, returning the verified subject.
// Every failure mode collapses to an unverified subject plus the error;
// callers hand the subject to policy and let deny-by-default do its job.
func (v *Verifier) Verify(tenant contracts.TenantID, src contracts.Source) (policy.Subject, error) {
	unverified := policy.Subject{ID: src.ID, Verified: false}

	if src.Token == "" {
		return unverified, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(src.Token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.key, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return unverified, errors.Join(ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return unverified, ErrTokenInvalid
	}
	if claims.Subject != src.ID {
		return unverified, ErrTokenInvalid
	}
	if claims.TenantID != string(tenant) {
		return unverified, ErrTenantMismatch
	}

	return policy.Subject{
		ID:       claims.Subject,
		Roles:    append([]string(nil), claims.Roles...),
		Verified: true,
	}, nil
}

// Issue signs a token for a subject. Used by tests and by the platform's
// provisioning surface; the kernel itself only ever verifies.
func (v *Verifier) Issue(tenant contracts.TenantID, subjectID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: string(tenant),
		Roles:    roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
