// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	defaultRequestTimeout = 5 * time.Second
	retryBase             = 500 * time.Millisecond
	maxRetries            = 3
)

// HTTPMailer sends mail through a JSON-over-HTTPS delivery API. Transient
// failures (network errors, 429, 5xx) are retried with fibonacci backoff;
// 4xx responses fail immediately.
type HTTPMailer struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// HTTPMailerConfig configures an HTTPMailer.
type HTTPMailerConfig struct {
	// Endpoint is the delivery API URL, e.g. "https://api.resend.com/emails".
	Endpoint string
	// APIKey is sent as a bearer token.
	APIKey string
	// From is the sender address on every message.
	From string
}

// NewHTTPMailer creates a new HTTPMailer.
func NewHTTPMailer(cfg HTTPMailerConfig) (*HTTPMailer, error) {
	if cfg.Endpoint == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("mail endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("mail api key is required")
	}
	if cfg.From == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("mail sender address is required")
	}
	return &HTTPMailer{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

// Send delivers the message, retrying transient failures until the context
// is done or the retry budget runs out.
func (m *HTTPMailer) Send(ctx context.Context, to, subject, text, html string) error {
	msg := Message{From: m.from, To: to, Subject: subject, Text: text, HTML: html}
	if err := msg.validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("operation", "marshal message").
			Wrap(err)
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewFibonacci(retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return m.post(ctx, body)
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("operation", "deliver message").
			Wrap(err)
	}
	return nil
}

// post performs one delivery attempt. Retryable failures are wrapped with
// retry.RetryableError so the backoff loop tries again.
func (m *HTTPMailer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return oops.With("operation", "build request").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close error is not actionable

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read a bounded slice of the body for the error message.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	attemptErr := oops.
		With("status", resp.StatusCode).
		Errorf("mail api returned %d: %s", resp.StatusCode, snippet)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.RetryableError(attemptErr)
	}
	return attemptErr
}
