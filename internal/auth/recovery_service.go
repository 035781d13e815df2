// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/samber/oops"
)

// NormalizeAnswer canonicalizes a security answer before hashing so that
// casing and surrounding whitespace do not matter at verification time.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// HashAnswer returns the hex-encoded SHA-256 digest of the normalized answer.
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(NormalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}

// VerifyAnswer reports whether the answer matches the stored digest using a
// constant-time comparison.
func VerifyAnswer(answer, answerHash string) bool {
	candidate := HashAnswer(answer)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(answerHash)) == 1
}

// RecoveryService implements the security-question recovery variant: the
// caller proves account ownership by answering the question chosen at
// registration, then sets a new password in the same step.
type RecoveryService struct {
	users  UserRepository
	hasher PasswordHasher
	logger *slog.Logger
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(users UserRepository, hasher PasswordHasher) (*RecoveryService, error) {
	return NewRecoveryServiceWithLogger(users, hasher, slog.Default())
}

// NewRecoveryServiceWithLogger creates a new RecoveryService with an
// explicit logger.
func NewRecoveryServiceWithLogger(users UserRepository, hasher PasswordHasher, logger *slog.Logger) (*RecoveryService, error) {
	if users == nil {
		return nil, oops.Code("RECOVERY_SERVICE_INVALID").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("RECOVERY_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{users: users, hasher: hasher, logger: logger}, nil
}

// StartRecovery looks up the account's security question. It returns the
// question key, or "" when the account does not exist or never enrolled a
// question; both cases look the same to the caller.
func (s *RecoveryService) StartRecovery(ctx context.Context, identifier string) (string, error) {
	user, err := lookupByIdentifier(ctx, s.users, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", oops.Code("RECOVERY_START_FAILED").
			With("operation", "lookup user").
			Wrap(err)
	}
	return user.QuestionKey, nil
}

// RedeemAnswer verifies the security answer and, on success, replaces the
// account's password. Missing account, no enrolled question, and a wrong
// answer all fail with the same RECOVERY_ANSWER_INVALID error.
func (s *RecoveryService) RedeemAnswer(ctx context.Context, identifier, answer, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	user, err := lookupByIdentifier(ctx, s.users, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a hash anyway so hit and miss cost the same.
			VerifyAnswer(answer, "")
			return oops.Code("RECOVERY_ANSWER_INVALID").Errorf("recovery answer verification failed")
		}
		return oops.Code("RECOVERY_REDEEM_FAILED").
			With("operation", "lookup user").
			Wrap(err)
	}

	if !user.HasSecurityQuestion() || !VerifyAnswer(answer, user.AnswerHash) {
		return oops.Code("RECOVERY_ANSWER_INVALID").Errorf("recovery answer verification failed")
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RECOVERY_REDEEM_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.users.UpdatePassword(ctx, user.ID, newHash); err != nil {
		return oops.Code("RECOVERY_REDEEM_FAILED").
			With("operation", "update password").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "password recovered via security answer",
		slog.String("user_id", user.ID.String()))
	return nil
}
