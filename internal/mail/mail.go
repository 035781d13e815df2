// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

// Package mail delivers recovery messages. The HTTP mailer talks to a
// JSON-over-HTTPS delivery API; the log mailer writes messages to the log
// for local development.
package mail

import (
	"github.com/samber/oops"
)

// Message is a single outbound mail.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

func (m Message) validate() error {
	if m.From == "" {
		return oops.Code("MAIL_INVALID").Errorf("sender address is required")
	}
	if m.To == "" {
		return oops.Code("MAIL_INVALID").Errorf("recipient address is required")
	}
	if m.Subject == "" {
		return oops.Code("MAIL_INVALID").Errorf("subject is required")
	}
	return nil
}
