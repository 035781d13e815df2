// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session credential configuration.
const (
	SessionTokenExpiry  = time.Hour // default validity window
	MinSigningSecretLen = 32        // HS256 key material, bytes
)

// SessionClaims are the claims carried by a session credential.
// Subject holds the user ID.
type SessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SessionIssuer signs and verifies compact session credentials (HS256 JWTs).
//
// The signing secret is process-wide configuration: injected once at
// construction, read-only afterwards. Rotating it invalidates every
// outstanding session, which is the accepted trade-off.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer creates a SessionIssuer with the given secret and token
// lifetime. A zero ttl selects SessionTokenExpiry.
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if len(secret) < MinSigningSecretLen {
		return nil, oops.Code("SESSION_SECRET_TOO_SHORT").
			With("min_bytes", MinSigningSecretLen).
			Errorf("signing secret must be at least %d bytes", MinSigningSecretLen)
	}
	if ttl <= 0 {
		ttl = SessionTokenExpiry
	}
	return &SessionIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// NewSessionIssuerWithClock creates a SessionIssuer with a custom time
// source. Useful for testing expiry with deterministic time values.
func NewSessionIssuerWithClock(secret string, ttl time.Duration, clock func() time.Time) (*SessionIssuer, error) {
	issuer, err := NewSessionIssuer(secret, ttl)
	if err != nil {
		return nil, err
	}
	if clock != nil {
		issuer.now = clock
	}
	return issuer, nil
}

// Issue signs a session credential binding the user's identity.
func (i *SessionIssuer) Issue(userID ulid.ULID, username string) (string, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return "", oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}

	now := i.now()
	claims := SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", oops.Code("SESSION_SIGN_FAILED").Wrap(err)
	}
	return signed, nil
}

// Verify parses and validates a session credential.
// Malformed tokens, bad signatures, and expired tokens all collapse into one
// SESSION_INVALID error.
func (i *SessionIssuer) Verify(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, oops.Code("SESSION_INVALID").Errorf("invalid or expired session")
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, oops.Code("SESSION_INVALID").Errorf("invalid or expired session")
	}

	if _, err := ulid.Parse(claims.Subject); err != nil {
		return nil, oops.Code("SESSION_INVALID").Errorf("invalid or expired session")
	}
	return claims, nil
}

// UserID returns the subject parsed as a ULID. Verify guarantees the parse
// succeeds for claims it returned.
func (c *SessionClaims) UserID() ulid.ULID {
	id, _ := ulid.Parse(c.Subject)
	return id
}
