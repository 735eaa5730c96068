// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable references to the
// Matrix identifiers the widget subsystem handles: room IDs, user IDs,
// event IDs, event types, and account sessions.
//
// All Parse* constructors validate structure at the boundary where
// raw strings enter the program (HTTP responses, config files, CLI
// arguments). Once constructed, a ref is immutable. JSON and CBOR
// marshaling use the canonical Matrix string form via
// encoding.TextMarshaler, so refs can be used directly as struct
// fields and map keys.
//
// [SessionID] identifies one logged-in device of an account. Token
// caching and widget observation are scoped to sessions, while data
// erasure is scoped to users, so the pair (user, device) is kept as a
// single comparable value.
package ref
