// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/passgate/passgate/internal/auth"
)

// ResetTokenRepository implements auth.ResetTokenRepository using PostgreSQL.
type ResetTokenRepository struct {
	db DB
}

// NewResetTokenRepository creates a new ResetTokenRepository.
func NewResetTokenRepository(db DB) *ResetTokenRepository {
	return &ResetTokenRepository{db: db}
}

// CreateReplacingActive stores a new reset token, marking any still-active
// token for the same user as used in the same transaction. This keeps the
// one-redeemable-token-per-user invariant even under concurrent requests.
func (r *ResetTokenRepository) CreateReplacingActive(ctx context.Context, reset *auth.ResetToken) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		UPDATE reset_tokens SET used = TRUE
		WHERE user_id = $1 AND used = FALSE AND expires_at > $2
	`, reset.UserID.String(), reset.CreatedAt)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "invalidate active tokens").
			With("user_id", reset.UserID.String()).
			Wrap(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reset_tokens (id, user_id, token_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reset.ID.String(), reset.UserID.String(), reset.TokenHash, reset.ExpiresAt, reset.Used, reset.CreatedAt)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "insert reset token").
			With("user_id", reset.UserID.String()).
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "commit transaction").
			Wrap(err)
	}
	return nil
}

// GetRedeemable retrieves the token matching the hash if it is still unused
// and unexpired at the given time. Otherwise auth.ErrNotFound.
func (r *ResetTokenRepository) GetRedeemable(ctx context.Context, userID ulid.ULID, tokenHash string, now time.Time) (*auth.ResetToken, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, used, created_at
		FROM reset_tokens
		WHERE user_id = $1 AND token_hash = $2 AND used = FALSE AND expires_at > $3
	`, userID.String(), tokenHash, now)

	reset, err := r.scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").
			With("user_id", userID.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// Redeem atomically consumes the token and installs the new password hash.
// The token row is flipped to used and the user's password updated in one
// transaction; if the token is missing, expired, already used, or the hash
// does not match, nothing changes and auth.ErrNotFound is returned.
func (r *ResetTokenRepository) Redeem(ctx context.Context, userID ulid.ULID, tokenHash, newPasswordHash string, now time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	result, err := tx.Exec(ctx, `
		UPDATE reset_tokens SET used = TRUE
		WHERE user_id = $1 AND token_hash = $2 AND used = FALSE AND expires_at > $3
	`, userID.String(), tokenHash, now)
	if err != nil {
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "consume reset token").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("RESET_NOT_FOUND").
			With("user_id", userID.String()).
			Wrap(auth.ErrNotFound)
	}

	result, err = tx.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID.String(), newPasswordHash, now)
	if err != nil {
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "update password").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("RESET_NOT_FOUND").
			With("user_id", userID.String()).
			Wrap(auth.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "commit transaction").
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all expired reset tokens and returns the count.
func (r *ResetTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM reset_tokens WHERE expires_at < $1
	`, time.Now())
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired reset tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanReset scans a single row into a ResetToken.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *ResetTokenRepository) scanReset(row pgx.Row) (*auth.ResetToken, error) {
	var (
		idStr     string
		userIDStr string
		tokenHash string
		expiresAt time.Time
		used      bool
		createdAt time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &tokenHash, &expiresAt, &used, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("RESET_SCAN_FAILED").
			With("operation", "scan reset token").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").
			With("operation", "parse reset id").
			With("id", idStr).
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.ResetToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		Used:      used,
		CreatedAt: createdAt,
	}, nil
}

// Compile-time interface check.
var _ auth.ResetTokenRepository = (*ResetTokenRepository)(nil)
