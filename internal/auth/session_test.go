// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passgate/passgate/pkg/errutil"
)

const testSigningSecret = "0123456789abcdef0123456789abcdef"

func TestNewSessionIssuer_SecretTooShort(t *testing.T) {
	_, err := NewSessionIssuer("short", time.Hour)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_SECRET_TOO_SHORT")
}

func TestNewSessionIssuer_ZeroTTLDefaults(t *testing.T) {
	issuer, err := NewSessionIssuer(testSigningSecret, 0)
	require.NoError(t, err)
	assert.Equal(t, SessionTokenExpiry, issuer.ttl)
}

func TestSessionIssuer_IssueAndVerify(t *testing.T) {
	issuer, err := NewSessionIssuer(testSigningSecret, time.Hour)
	require.NoError(t, err)

	userID := ulid.Make()
	token, err := issuer.Issue(userID, "ada")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID())
	assert.Equal(t, "ada", claims.Username)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestSessionIssuer_Issue_ZeroUserID(t *testing.T) {
	issuer, err := NewSessionIssuer(testSigningSecret, time.Hour)
	require.NoError(t, err)

	_, err = issuer.Issue(ulid.ULID{}, "ada")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_INVALID_USER")
}

// Malformed tokens, bad signatures, and expired tokens all collapse into
// the same SESSION_INVALID error.
func TestSessionIssuer_Verify_Invalid(t *testing.T) {
	issuer, err := NewSessionIssuer(testSigningSecret, time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewSessionIssuer("fedcba9876543210fedcba9876543210", time.Hour)
	require.NoError(t, err)

	foreign, err := otherIssuer.Issue(ulid.Make(), "mallory")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong signing key", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "SESSION_INVALID")
		})
	}
}

func TestSessionIssuer_Verify_Expired(t *testing.T) {
	issued := time.Now()
	clock := issued

	issuer, err := NewSessionIssuerWithClock(testSigningSecret, time.Hour, func() time.Time { return clock })
	require.NoError(t, err)

	token, err := issuer.Issue(ulid.Make(), "ada")
	require.NoError(t, err)

	// Still valid just before expiry
	clock = issued.Add(time.Hour - time.Second)
	_, err = issuer.Verify(token)
	require.NoError(t, err)

	// Invalid after expiry
	clock = issued.Add(time.Hour + time.Second)
	_, err = issuer.Verify(token)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_INVALID")
}

func TestSessionIssuer_Verify_RejectsAlgNone(t *testing.T) {
	issuer, err := NewSessionIssuer(testSigningSecret, time.Hour)
	require.NoError(t, err)

	// Unsigned token with alg=none: header {"alg":"none","typ":"JWT"},
	// claims with a far-future exp.
	unsigned := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJzdWIiOiIwMUhRWlgzMDAwMDAwMDAwMDAwMDAwMDAwMCIsImV4cCI6NDEwMjQ0NDgwMH0."
	_, err = issuer.Verify(unsigned)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_INVALID")
}
