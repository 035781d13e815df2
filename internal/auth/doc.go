// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

// Package auth provides the credential model and recovery flows for Passgate.
//
// # Domain Types
//
// Domain types (User, ResetToken) should be created using their
// constructors:
//   - NewUser - creates a User with validated email, username, and password hash
//   - NewResetToken - creates a ResetToken with validated owner and expiry
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types from these
// constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - registration and credential login
//   - PasswordResetService - email/token password recovery
//   - RecoveryService - security-question password recovery
//
// Services are created with New*Service constructors that validate
// dependencies.
//
// Public operations collapse every "not applicable" outcome (unknown
// account, wrong secret, expired or spent token, wrong answer) into a single
// generic error so responses never reveal whether an identifier maps to a
// real account.
package auth
