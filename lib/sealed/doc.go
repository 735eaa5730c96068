// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts persisted integration tokens with
// filippo.io/age.
//
// A [Sealer] encrypts to one or more x25519 recipients and, when it was
// given an identity, decrypts. Ciphertext is the raw binary age format:
// it goes into a sqlite BLOB column, not into JSON, so no base64 layer
// is applied. Identities and opened plaintext live in [secret.Buffer]
// values.
package sealed
