// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// JSON is used for everything that crosses the Matrix client-server
// API or the integration manager's HTTP API. CBOR is used for on-disk
// records (persisted integration tokens), where a compact deterministic
// encoding lets identical records produce identical bytes before they
// are sealed.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
//
// Types with `cbor` struct tags are only ever stored as CBOR. Types
// with `json` tags may be serialized as both: fxamacker/cbor reads
// `json` tags when `cbor` tags are absent.
package codec
