// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds integration tokens, Matrix access tokens, and
// age identities in memory the garbage collector never sees.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes, unlocks and
// unmaps it. Any read after Close panics.
//
// [ReadFile] loads a secret from disk (or stdin for "-") straight into
// a Buffer, trimming surrounding whitespace.
package secret
