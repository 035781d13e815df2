// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

// Package httpapi exposes the authentication and recovery flows as a JSON
// HTTP API.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/passgate/passgate/internal/auth"
	"github.com/passgate/passgate/internal/observability"
)

// Handler routes the auth API. Construct with NewHandler and mount via
// Router.
type Handler struct {
	auth     *auth.Service
	resets   *auth.PasswordResetService
	recovery *auth.RecoveryService
	sessions *auth.SessionIssuer
	metrics  *observability.Metrics
	logger   *slog.Logger

	allowedOrigins []string
}

// HandlerConfig wires the services the API fronts. Metrics may be nil in
// tests; AllowedOrigins empty disables CORS headers.
type HandlerConfig struct {
	Auth           *auth.Service
	Resets         *auth.PasswordResetService
	Recovery       *auth.RecoveryService
	Sessions       *auth.SessionIssuer
	Metrics        *observability.Metrics
	Logger         *slog.Logger
	AllowedOrigins []string
}

// NewHandler creates a new Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Auth == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("auth service is required")
	}
	if cfg.Resets == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("password reset service is required")
	}
	if cfg.Recovery == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("recovery service is required")
	}
	if cfg.Sessions == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("session issuer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:           cfg.Auth,
		resets:         cfg.Resets,
		recovery:       cfg.Recovery,
		sessions:       cfg.Sessions,
		metrics:        cfg.Metrics,
		logger:         logger,
		allowedOrigins: cfg.AllowedOrigins,
	}, nil
}

// Router builds the route table. CORS wraps the whole tree when origins are
// configured.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/auth").Subrouter()
	api.HandleFunc("/register", h.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/forgot-password", h.handleForgotPassword).Methods(http.MethodPost)
	api.HandleFunc("/reset-password", h.handleResetPassword).Methods(http.MethodPost)
	api.HandleFunc("/recovery/start", h.handleRecoveryStart).Methods(http.MethodPost)
	api.HandleFunc("/recovery/verify", h.handleRecoveryVerify).Methods(http.MethodPost)
	api.HandleFunc("/me", h.handleMe).Methods(http.MethodGet)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	if len(h.allowedOrigins) == 0 {
		return r
	}
	return handlers.CORS(
		handlers.AllowedOrigins(h.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func newSessionResponse(user *auth.User, token string) sessionResponse {
	return sessionResponse{
		Token: token,
		User: userResponse{
			ID:       user.ID.String(),
			Email:    user.Email,
			Username: user.Username,
		},
	}
}

type registerRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	QuestionKey string `json:"questionKey,omitempty"`
	Answer      string `json:"answer,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, token, err := h.auth.Register(r.Context(), auth.RegisterParams{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		QuestionKey: req.QuestionKey,
		Answer:      req.Answer,
	})
	if err != nil {
		h.countStatus(func(m *observability.Metrics) { m.RegistrationsTotal.WithLabelValues("failure").Inc() })
		writeError(w, h.logger, err)
		return
	}

	h.countStatus(func(m *observability.Metrics) { m.RegistrationsTotal.WithLabelValues("success").Inc() })
	writeJSON(w, http.StatusCreated, newSessionResponse(user, token))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.countStatus(func(m *observability.Metrics) { m.LoginsTotal.WithLabelValues("failure").Inc() })
		writeError(w, h.logger, err)
		return
	}

	h.countStatus(func(m *observability.Metrics) { m.LoginsTotal.WithLabelValues("success").Inc() })
	writeJSON(w, http.StatusOK, newSessionResponse(user, token))
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

// forgotPasswordMessage is returned for every forgot-password request so the
// response cannot reveal whether the account exists.
const forgotPasswordMessage = "If that account exists, a reset link has been sent"

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.resets.RequestReset(r.Context(), req.Identifier); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.countStatus(func(m *observability.Metrics) { m.ResetRequestsTotal.Inc() })
	writeJSON(w, http.StatusOK, messageResponse{Message: forgotPasswordMessage})
}

type resetPasswordRequest struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// An unparseable user ID gets the same generic rejection as a bad token.
	userID, err := ulid.Parse(req.UserID)
	if err != nil {
		h.countStatus(func(m *observability.Metrics) { m.ResetRedemptionsTotal.WithLabelValues("failure").Inc() })
		writeError(w, h.logger, oops.Code("RESET_TOKEN_INVALID").Errorf("invalid or expired reset token"))
		return
	}

	if err := h.resets.ResetPassword(r.Context(), userID, req.Token, req.Password); err != nil {
		h.countStatus(func(m *observability.Metrics) { m.ResetRedemptionsTotal.WithLabelValues("failure").Inc() })
		writeError(w, h.logger, err)
		return
	}

	h.countStatus(func(m *observability.Metrics) { m.ResetRedemptionsTotal.WithLabelValues("success").Inc() })
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password has been reset"})
}

type recoveryStartResponse struct {
	QuestionKey string `json:"questionKey"`
}

func (h *Handler) handleRecoveryStart(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	key, err := h.recovery.StartRecovery(r.Context(), req.Identifier)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, recoveryStartResponse{QuestionKey: key})
}

type recoveryVerifyRequest struct {
	Identifier string `json:"identifier"`
	Answer     string `json:"answer"`
	Password   string `json:"password"`
}

func (h *Handler) handleRecoveryVerify(w http.ResponseWriter, r *http.Request) {
	var req recoveryVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.recovery.RedeemAnswer(r.Context(), req.Identifier, req.Answer, req.Password); err != nil {
		h.countStatus(func(m *observability.Metrics) { m.RecoveryAnswersTotal.WithLabelValues("failure").Inc() })
		writeError(w, h.logger, err)
		return
	}

	h.countStatus(func(m *observability.Metrics) { m.RecoveryAnswersTotal.WithLabelValues("success").Inc() })
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password has been reset"})
}

type meResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, h.logger, oops.Code("SESSION_INVALID").Errorf("missing bearer token"))
		return
	}

	claims, err := h.sessions.Verify(token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:       claims.UserID().String(),
		Username: claims.Username,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) countStatus(record func(*observability.Metrics)) {
	if h.metrics != nil {
		record(h.metrics)
	}
}
