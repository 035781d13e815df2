// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"
)

// Service provides registration and credential login.
type Service struct {
	users    UserRepository
	hasher   PasswordHasher
	sessions *SessionIssuer
	logger   *slog.Logger
}

// NewService creates a new Service.
func NewService(users UserRepository, hasher PasswordHasher, sessions *SessionIssuer) (*Service, error) {
	return NewServiceWithLogger(users, hasher, sessions, slog.Default())
}

// NewServiceWithLogger creates a new Service with an explicit logger.
func NewServiceWithLogger(users UserRepository, hasher PasswordHasher, sessions *SessionIssuer, logger *slog.Logger) (*Service, error) {
	if users == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("session issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// dummyPasswordHash is used when a user doesn't exist to prevent timing attacks.
// We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// RegisterParams carries registration input. QuestionKey and Answer are
// optional; supplying one requires the other.
type RegisterParams struct {
	Email       string
	Username    string
	Password    string
	QuestionKey string
	Answer      string
}

// Register creates a new account and issues a session credential.
// Returns the created user and the signed session token.
// Email and username collisions both fail with AUTH_USER_EXISTS.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*User, string, error) {
	if err := ValidatePassword(params.Password); err != nil {
		return nil, "", err
	}
	if (params.QuestionKey == "") != (params.Answer == "") {
		return nil, "", oops.Code("AUTH_INVALID_QUESTION").
			Errorf("security question and answer must be provided together")
	}

	passwordHash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(params.Email, params.Username, passwordHash)
	if err != nil {
		return nil, "", err
	}
	if params.QuestionKey != "" {
		user.QuestionKey = params.QuestionKey
		user.AnswerHash = HashAnswer(params.Answer)
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, "", oops.Code("AUTH_USER_EXISTS").
				Errorf("email or username already taken")
		}
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create user").
			With("username", params.Username).
			Wrap(err)
	}

	token, err := s.sessions.Issue(user.ID, user.Username)
	if err != nil {
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "issue session").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID.String()),
		slog.String("username", user.Username))

	return user, token, nil
}

// Login authenticates a user and issues a session credential.
// Unknown usernames and wrong passwords fail with the same
// AUTH_INVALID_CREDENTIALS error, and the password is verified against a
// dummy hash when the user is missing to keep response time flat.
func (s *Service) Login(ctx context.Context, username, password string) (*User, string, error) {
	user, lookupErr := s.users.GetByUsername(ctx, username)

	targetHash := dummyPasswordHash
	userExists := false

	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, "", oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get user by username").
				Wrap(lookupErr)
		}
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	// Always verify, against the dummy hash if need be, so that missing
	// users and wrong passwords are indistinguishable by timing.
	valid := s.hasher.Verify(password, targetHash)
	if !userExists || !valid {
		return nil, "", oops.Code("AUTH_INVALID_CREDENTIALS").
			Errorf("invalid username or password")
	}

	// Transparent rehash for accounts that predate argon2id.
	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			if upErr := s.users.UpdatePassword(ctx, user.ID, newHash); upErr == nil {
				user.PasswordHash = newHash
			}
		}
	}

	token, err := s.sessions.Issue(user.ID, user.Username)
	if err != nil {
		return nil, "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue session").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID.String()),
		slog.String("username", user.Username))

	return user, token, nil
}

// lookupByIdentifier resolves an identifier that may be an email address or
// a username. Both recovery flows accept either form.
func lookupByIdentifier(ctx context.Context, users UserRepository, identifier string) (*User, error) {
	user, err := users.GetByEmail(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return users.GetByUsername(ctx, identifier)
}
