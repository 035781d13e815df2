// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// memUserRepo is an in-memory UserRepository. Error overrides let tests
// force failures on individual operations.
type memUserRepo struct {
	mu    sync.Mutex
	users map[ulid.ULID]*User

	createErr         error
	getErr            error
	updatePasswordErr error
	updatePasswordN   int
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[ulid.ULID]*User)}
}

func (r *memUserRepo) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) || strings.EqualFold(u.Username, user.Username) {
			return oops.Code("USER_ALREADY_EXISTS").Wrap(ErrAlreadyExists)
		}
	}
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id ulid.ULID) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	if u, ok := r.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
}

func (r *memUserRepo) GetByUsername(_ context.Context, username string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
}

func (r *memUserRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatePasswordN++
	if r.updatePasswordErr != nil {
		return r.updatePasswordErr
	}
	u, ok := r.users[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

// memResetRepo is an in-memory ResetTokenRepository mirroring the
// transactional semantics of the postgres implementation.
type memResetRepo struct {
	mu     sync.Mutex
	tokens map[ulid.ULID]*ResetToken // keyed by token ID
	users  *memUserRepo              // for Redeem's password write

	createErr error
	redeemErr error
}

func newMemResetRepo(users *memUserRepo) *memResetRepo {
	return &memResetRepo{tokens: make(map[ulid.ULID]*ResetToken), users: users}
}

func (r *memResetRepo) CreateReplacingActive(_ context.Context, token *ResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, t := range r.tokens {
		if t.UserID == token.UserID && t.RedeemableAt(token.CreatedAt) {
			t.Used = true
		}
	}
	clone := *token
	r.tokens[token.ID] = &clone
	return nil
}

func (r *memResetRepo) GetRedeemable(_ context.Context, userID ulid.ULID, tokenHash string, now time.Time) (*ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.UserID == userID && t.TokenHash == tokenHash && t.RedeemableAt(now) {
			clone := *t
			return &clone, nil
		}
	}
	return nil, oops.Code("RESET_NOT_FOUND").Wrap(ErrNotFound)
}

func (r *memResetRepo) Redeem(ctx context.Context, userID ulid.ULID, tokenHash, newPasswordHash string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redeemErr != nil {
		return r.redeemErr
	}
	for _, t := range r.tokens {
		if t.UserID == userID && t.TokenHash == tokenHash && t.RedeemableAt(now) {
			if err := r.users.UpdatePassword(ctx, userID, newPasswordHash); err != nil {
				return err
			}
			t.Used = true
			return nil
		}
	}
	return oops.Code("RESET_NOT_FOUND").Wrap(ErrNotFound)
}

func (r *memResetRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.IsExpired() {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

// activeTokens returns the tokens still redeemable for a user at the given time.
func (r *memResetRepo) activeTokens(userID ulid.ULID, now time.Time) []*ResetToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ResetToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.RedeemableAt(now) {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out
}

// capturedMail records one Send call.
type capturedMail struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// mockMailer records sends and can fail or block on demand.
type mockMailer struct {
	mu    sync.Mutex
	sent  []capturedMail
	err   error
	delay time.Duration
}

func (m *mockMailer) Send(ctx context.Context, to, subject, text, html string) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, capturedMail{To: to, Subject: subject, Text: text, HTML: html})
	return nil
}

func (m *mockMailer) sentMails() []capturedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capturedMail, len(m.sent))
	copy(out, m.sent)
	return out
}

// fakeHasher is a fast PasswordHasher for service tests where argon2 cost
// would only slow things down.
type fakeHasher struct {
	hashErr error
}

func (h *fakeHasher) Hash(password string) (string, error) {
	if h.hashErr != nil {
		return "", h.hashErr
	}
	if password == "" {
		return "", ErrEmptyPassword
	}
	return "fake$" + password, nil
}

func (h *fakeHasher) Verify(password, hash string) bool {
	return hash == "fake$"+password
}

func (h *fakeHasher) NeedsUpgrade(hash string) bool {
	return !strings.HasPrefix(hash, "fake$")
}
