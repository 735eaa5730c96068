// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small HTTP and connection helpers shared by the
// Matrix client, the integration-manager client, and widgetd's API.
//
// Response readers bound body reads at [MaxResponseSize]. Every
// response either component reads is a small JSON document; the bound
// only stops a broken server from exhausting memory.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseSize bounds JSON response reads. Room state for a very
// large room is the biggest legitimate payload.
const MaxResponseSize int64 = 64 << 20

// maxErrorBody bounds how much of an error body ends up in an error
// message.
const maxErrorBody = 4 << 10

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded body and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns up to 4 KiB of an error response for diagnostics.
// Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
