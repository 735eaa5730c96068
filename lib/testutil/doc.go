// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], [RequireClosed], and
// [RequireNoReceive] hold the only wall-clock timeouts in the test
// suite. Everything else that depends on time uses lib/clock's fake.
//
// [UniqueID] generates distinct identifiers (transaction ids, widget
// ids) without consulting the clock.
package testutil
