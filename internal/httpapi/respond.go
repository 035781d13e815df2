// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/samber/oops"

	"github.com/passgate/passgate/pkg/errutil"
)

// maxBodyBytes bounds request bodies. Auth payloads are tiny; anything
// larger is hostile or broken.
const maxBodyBytes = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // response write error means the client went away
	json.NewEncoder(w).Encode(v)
}

// clientErrorCodes are failures caused by the request itself. Their messages
// are safe to return verbatim; everything else gets a generic body so
// internal details never leak.
var clientErrorCodes = map[string]int{
	"AUTH_INVALID_EMAIL":       http.StatusBadRequest,
	"AUTH_INVALID_USERNAME":    http.StatusBadRequest,
	"AUTH_INVALID_PASSWORD":    http.StatusBadRequest,
	"AUTH_INVALID_QUESTION":    http.StatusBadRequest,
	"AUTH_EMPTY_PASSWORD":      http.StatusBadRequest,
	"AUTH_USER_EXISTS":         http.StatusBadRequest,
	"AUTH_INVALID_CREDENTIALS": http.StatusBadRequest,
	"RESET_TOKEN_INVALID":      http.StatusBadRequest,
	"RECOVERY_ANSWER_INVALID":  http.StatusBadRequest,
	"SESSION_INVALID":          http.StatusUnauthorized,
	"REQUEST_MALFORMED":        http.StatusBadRequest,
}

// writeError maps an error to an HTTP response. Client-caused failures keep
// their message; unexpected failures are logged and reduced to a 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		code, _ := oopsErr.Code().(string)
		if status, known := clientErrorCodes[code]; known {
			writeJSON(w, status, errorResponse{Error: oopsErr.Error()})
			return
		}
	}

	errutil.LogError(logger, "request failed", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// decodeJSON reads and decodes a request body, rejecting unknown fields and
// trailing garbage. Failures come back as REQUEST_MALFORMED.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return oops.Code("REQUEST_MALFORMED").Errorf("request body too large")
		}
		return oops.Code("REQUEST_MALFORMED").Errorf("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return oops.Code("REQUEST_MALFORMED").Errorf("invalid request body")
	}
	return nil
}
