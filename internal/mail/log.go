// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package mail

import (
	"context"
	"log/slog"
)

// LogMailer writes messages to the log instead of delivering them. Used in
// development so recovery links are visible without a mail provider.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a new LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs the message and reports success.
func (m *LogMailer) Send(ctx context.Context, to, subject, text, _ string) error {
	m.logger.InfoContext(ctx, "mail delivery skipped, logging message",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("text", text))
	return nil
}
