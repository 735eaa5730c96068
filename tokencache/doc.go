// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokencache holds one integration-manager token per Matrix
// session and guarantees at most one fetch in flight per session.
//
// A fetch first consults the persistent [Store] (validating the stored
// token when the exchanger also implements [Validator]) and otherwise
// runs the credential exchange. Concurrent [Cache.GetToken] calls for
// the same session attach to the running fetch. A failed fetch is
// reported to every attached caller and nothing is cached, so the next
// call starts over.
//
// Each session's fetch runs on a context owned by the cache, not by any
// caller: a caller whose context ends detaches alone, while eviction
// ([Cache.Evict], [Cache.Invalidate], [Cache.DeleteUser]) cancels the
// fetch and discards any result it still produces.
//
// Tokens live in [secret.Buffer] memory and are never logged; log
// lines carry a short BLAKE3 fingerprint instead.
package tokencache
