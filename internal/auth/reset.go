// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	ResetTokenBytes  = 32               // 32 bytes = 64 hex chars, 256 bits of entropy
	ResetTokenExpiry = 15 * time.Minute // 15 minute validity window
)

// ResetToken represents a pending password recovery request.
//
// TokenHash holds the SHA-256 digest of the raw secret; the secret itself is
// handed to the delivery channel and never persisted. Used is monotonic:
// once a token is redeemed it can never become redeemable again.
type ResetToken struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// NewResetToken creates a validated ResetToken instance.
func NewResetToken(userID ulid.ULID, tokenHash string, expiresAt time.Time) (*ResetToken, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("RESET_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("RESET_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &ResetToken{
		ID:        ulid.Make(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// IsExpired returns true if the reset token has expired.
func (r *ResetToken) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// RedeemableAt reports whether the token could still be redeemed at the
// given time: not yet used, not yet expired.
func (r *ResetToken) RedeemableAt(t time.Time) bool {
	return !r.Used && t.Before(r.ExpiresAt)
}

// GenerateResetToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the user; the hash is stored in the database.
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashResetToken(token)

	return token, hash, nil
}

// VerifyResetToken checks if the plaintext token matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifyResetToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashResetToken(token)
	// Both are hex-encoded SHA256 hashes (64 chars), use constant-time compare
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// HashResetToken computes the SHA-256 hash of a token. The secret already
// carries full entropy and is single-use, so an unsalted digest is enough
// for equality-based lookup.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ResetTokenRepository manages reset token persistence.
type ResetTokenRepository interface {
	// CreateReplacingActive stores a new reset token and, in the same
	// transaction, invalidates any still-active tokens for the same user.
	// At most one active token per user survives this call.
	CreateReplacingActive(ctx context.Context, token *ResetToken) error

	// GetRedeemable retrieves the token matching (userID, tokenHash) that is
	// unused and unexpired at the given time. Returns ErrNotFound otherwise.
	GetRedeemable(ctx context.Context, userID ulid.ULID, tokenHash string, now time.Time) (*ResetToken, error)

	// Redeem atomically stores the new password hash on the owning user and
	// marks the matching redeemable token used. Both writes commit together
	// or neither does. Returns an error wrapping ErrNotFound when no token
	// matches (missing, expired, already used, or wrong hash alike).
	Redeem(ctx context.Context, userID ulid.ULID, tokenHash, newPasswordHash string, now time.Time) error

	// DeleteExpired removes expired tokens and returns the count of deleted
	// records.
	DeleteExpired(ctx context.Context) (int64, error)
}
