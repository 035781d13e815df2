// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/passgate/passgate/internal/observability"
	"github.com/passgate/passgate/pkg/errutil"
)

// MailTimeout bounds how long a reset request waits on mail delivery before
// giving up and answering the caller anyway.
const MailTimeout = 15 * time.Second

// Mailer delivers a recovery message out of band. Implementations live in
// internal/mail; the orchestrator owns the delivery timeout, not the mailer.
type Mailer interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// PasswordResetService coordinates the email/token recovery flow: token
// issuance, out-of-band delivery, and single-use redemption.
type PasswordResetService struct {
	users       UserRepository
	resets      ResetTokenRepository
	hasher      PasswordHasher
	mailer      Mailer
	linkBase    string
	mailTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// PasswordResetConfig carries the orchestrator's knobs. LinkBase is the
// client-side reset page the mailed link points at, e.g.
// "https://app.example.com". Zero MailTimeout selects the default.
type PasswordResetConfig struct {
	LinkBase    string
	MailTimeout time.Duration
}

// NewPasswordResetService creates a new PasswordResetService.
func NewPasswordResetService(users UserRepository, resets ResetTokenRepository, hasher PasswordHasher, mailer Mailer, cfg PasswordResetConfig) (*PasswordResetService, error) {
	return NewPasswordResetServiceWithLogger(users, resets, hasher, mailer, cfg, slog.Default())
}

// NewPasswordResetServiceWithLogger creates a new PasswordResetService with
// an explicit logger.
func NewPasswordResetServiceWithLogger(users UserRepository, resets ResetTokenRepository, hasher PasswordHasher, mailer Mailer, cfg PasswordResetConfig, logger *slog.Logger) (*PasswordResetService, error) {
	if users == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("user repository is required")
	}
	if resets == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("reset repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if mailer == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("mailer is required")
	}
	if cfg.LinkBase == "" {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("reset link base URL is required")
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = MailTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordResetService{
		users:       users,
		resets:      resets,
		hasher:      hasher,
		mailer:      mailer,
		linkBase:    strings.TrimRight(cfg.LinkBase, "/"),
		mailTimeout: cfg.MailTimeout,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// RequestReset starts a recovery attempt for the account matching the
// identifier (email or username).
//
// The outcome is identical whether or not the account exists: a nil error
// and nothing else. When the account exists, a fresh token replaces any
// still-active one and a recovery link is mailed; delivery failures and
// timeouts are logged and counted but never surfaced, so the response leaks
// neither account existence nor mail transport health.
func (s *PasswordResetService) RequestReset(ctx context.Context, identifier string) error {
	user, err := lookupByIdentifier(ctx, s.users, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "lookup user").
			Wrap(err)
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate token").
			Wrap(err)
	}

	reset, err := NewResetToken(user.ID, hash, s.now().Add(ResetTokenExpiry))
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "build reset token").
			Wrap(err)
	}

	if err := s.resets.CreateReplacingActive(ctx, reset); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "store reset token").
			Wrap(err)
	}

	s.deliver(ctx, user, token)
	return nil
}

// deliver races the mail send against a timer and proceeds on whichever
// finishes first. The loser's eventual result is discarded; failures are
// logged and counted, never returned.
func (s *PasswordResetService) deliver(ctx context.Context, user *User, rawToken string) {
	link := fmt.Sprintf("%s/reset-password?userId=%s&token=%s",
		s.linkBase, user.ID.String(), url.QueryEscape(rawToken))

	minutes := int(ResetTokenExpiry.Minutes())
	subject := "Password reset"
	text := fmt.Sprintf("Reset link (expires in %d minutes): %s", minutes, link)
	html := fmt.Sprintf(`<p>Reset link (expires in %d minutes): <a href="%s">%s</a></p>`, minutes, link, link)

	// The send must survive the request context ending first, but not the
	// delivery deadline.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mailTimeout)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- s.mailer.Send(sendCtx, user.Email, subject, text, html)
	}()

	select {
	case err := <-done:
		if err != nil {
			observability.RecordMailDispatchFailure("send")
			errutil.LogWarn(s.logger, "reset mail delivery failed", err)
		}
	case <-sendCtx.Done():
		observability.RecordMailDispatchFailure("timeout")
		s.logger.Warn("reset mail delivery timed out",
			slog.String("user_id", user.ID.String()),
			slog.Duration("timeout", s.mailTimeout))
	}
}

// ResetPassword redeems a recovery token and installs the new password.
//
// The token hash lookup, the password update, and the used-flag flip happen
// in one repository transaction. A token that is missing, expired, already
// used, or simply wrong fails with the same RESET_TOKEN_INVALID error.
func (s *PasswordResetService) ResetPassword(ctx context.Context, userID ulid.ULID, rawToken, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if rawToken == "" {
		return oops.Code("RESET_TOKEN_INVALID").Errorf("invalid or expired reset token")
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	tokenHash := HashResetToken(rawToken)
	if err := s.resets.Redeem(ctx, userID, tokenHash, newHash, s.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_INVALID").Errorf("invalid or expired reset token")
		}
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "redeem token").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "password reset redeemed",
		slog.String("user_id", userID.String()))
	return nil
}
