// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/passgate/passgate/internal/auth"
	authpg "github.com/passgate/passgate/internal/auth/postgres"
	"github.com/passgate/passgate/internal/httpapi"
	"github.com/passgate/passgate/internal/store"
)

// recordingMailer captures reset mails so specs can pull the mailed link.
type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(_ context.Context, _, _, text, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *recordingMailer) lastLink() (userID, token string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return "", "", fmt.Errorf("no mail sent")
	}
	body := m.sent[len(m.sent)-1]
	idx := strings.Index(body, "https://")
	if idx < 0 {
		return "", "", fmt.Errorf("no link in mail body %q", body)
	}
	link, err := url.Parse(strings.TrimSpace(body[idx:]))
	if err != nil {
		return "", "", err
	}
	return link.Query().Get("userId"), link.Query().Get("token"), nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// authEnv holds the full stack under test.
type authEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	pool      *pgxpool.Pool
	mailer    *recordingMailer
	server    *httptest.Server
}

func setupAuthEnv() (*authEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	env := &authEnv{ctx: ctx, cancel: cancel}

	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("passgate_test"),
		pgcontainer.WithUsername("passgate"),
		pgcontainer.WithPassword("passgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.teardown()
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		env.teardown()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.teardown()
		return nil, err
	}
	_ = migrator.Close()

	env.pool, err = store.Connect(ctx, connStr)
	if err != nil {
		env.teardown()
		return nil, err
	}

	users := authpg.NewUserRepository(env.pool)
	resets := authpg.NewResetTokenRepository(env.pool)
	hasher := auth.NewArgon2idHasher()
	env.mailer = &recordingMailer{}

	issuer, err := auth.NewSessionIssuer("integration-test-signing-secret-0001", time.Hour)
	if err != nil {
		env.teardown()
		return nil, err
	}

	authSvc, err := auth.NewService(users, hasher, issuer)
	if err != nil {
		env.teardown()
		return nil, err
	}
	resetSvc, err := auth.NewPasswordResetService(users, resets, hasher, env.mailer, auth.PasswordResetConfig{
		LinkBase: "https://app.example.com",
	})
	if err != nil {
		env.teardown()
		return nil, err
	}
	recoverySvc, err := auth.NewRecoveryService(users, hasher)
	if err != nil {
		env.teardown()
		return nil, err
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Auth:     authSvc,
		Resets:   resetSvc,
		Recovery: recoverySvc,
		Sessions: issuer,
	})
	if err != nil {
		env.teardown()
		return nil, err
	}

	env.server = httptest.NewServer(handler.Router())
	return env, nil
}

func (env *authEnv) teardown() {
	if env.server != nil {
		env.server.Close()
	}
	if env.pool != nil {
		env.pool.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(env.ctx)
	}
	env.cancel()
}

func (env *authEnv) post(path string, body map[string]any) (*http.Response, map[string]any) {
	payload, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(payload))
	Expect(err).NotTo(HaveOccurred())

	var decoded map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
	Expect(resp.Body.Close()).To(Succeed())
	return resp, decoded
}

var _ = Describe("Authentication end to end", Ordered, func() {
	var env *authEnv

	BeforeAll(func() {
		var err error
		env, err = setupAuthEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if env != nil {
			env.teardown()
		}
	})

	It("registers alice and issues a session", func() {
		resp, body := env.post("/api/auth/register", map[string]any{
			"email":       "alice@example.com",
			"username":    "alice",
			"password":    "correct horse battery",
			"questionKey": "first-pet",
			"answer":      "Rex",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(body["token"]).NotTo(BeEmpty())

		token := body["token"].(string)
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/auth/me", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)
		meResp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer meResp.Body.Close()
		Expect(meResp.StatusCode).To(Equal(http.StatusOK))
	})

	It("logs alice in with her password", func() {
		resp, body := env.post("/api/auth/login", map[string]any{
			"username": "alice",
			"password": "correct horse battery",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["token"]).NotTo(BeEmpty())
	})

	It("answers forgot-password identically for hit and miss", func() {
		hitResp, hitBody := env.post("/api/auth/forgot-password", map[string]any{
			"identifier": "alice@example.com",
		})
		missResp, missBody := env.post("/api/auth/forgot-password", map[string]any{
			"identifier": "ghost@example.com",
		})

		Expect(hitResp.StatusCode).To(Equal(http.StatusOK))
		Expect(missResp.StatusCode).To(Equal(http.StatusOK))
		Expect(hitBody).To(Equal(missBody))
		Expect(env.mailer.count()).To(Equal(1), "only the real account gets mail")
	})

	It("resets the password with the mailed token exactly once", func() {
		userID, token, err := env.mailer.lastLink()
		Expect(err).NotTo(HaveOccurred())

		resp, _ := env.post("/api/auth/reset-password", map[string]any{
			"userId":   userID,
			"token":    token,
			"password": "battery staple horse",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		By("rejecting the old password")
		resp, _ = env.post("/api/auth/login", map[string]any{
			"username": "alice",
			"password": "correct horse battery",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		By("accepting the new password")
		resp, _ = env.post("/api/auth/login", map[string]any{
			"username": "alice",
			"password": "battery staple horse",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		By("refusing a second redemption of the same token")
		resp, _ = env.post("/api/auth/reset-password", map[string]any{
			"userId":   userID,
			"token":    token,
			"password": "yet another password",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("supersedes older reset tokens with newer ones", func() {
		env.post("/api/auth/forgot-password", map[string]any{"identifier": "alice"})
		_, firstToken, err := env.mailer.lastLink()
		Expect(err).NotTo(HaveOccurred())

		env.post("/api/auth/forgot-password", map[string]any{"identifier": "alice"})
		userID, secondToken, err := env.mailer.lastLink()
		Expect(err).NotTo(HaveOccurred())
		Expect(secondToken).NotTo(Equal(firstToken))

		resp, _ := env.post("/api/auth/reset-password", map[string]any{
			"userId":   userID,
			"token":    firstToken,
			"password": "password via stale token",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		resp, _ = env.post("/api/auth/reset-password", map[string]any{
			"userId":   userID,
			"token":    secondToken,
			"password": "password via fresh token",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("recovers the account through the security question", func() {
		resp, body := env.post("/api/auth/recovery/start", map[string]any{
			"identifier": "alice",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["questionKey"]).To(Equal("first-pet"))

		By("rejecting a wrong answer")
		resp, _ = env.post("/api/auth/recovery/verify", map[string]any{
			"identifier": "alice",
			"answer":     "fido",
			"password":   "password after recovery",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		By("accepting the right answer regardless of casing")
		resp, _ = env.post("/api/auth/recovery/verify", map[string]any{
			"identifier": "alice",
			"answer":     "  REX  ",
			"password":   "password after recovery",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, _ = env.post("/api/auth/login", map[string]any{
			"username": "alice",
			"password": "password after recovery",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
