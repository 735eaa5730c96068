// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock instead of calling time.Now or
// time.After directly. Real() provides the standard library behavior;
// Fake() provides a clock that stands still until Advance is called,
// so retry delays and timestamps are deterministic in tests.
//
//	type StateStream struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In tests, advance past a pending wait once it is registered:
//
//	fake := clock.Fake(time.Unix(1735689600, 0))
//	go stream.Next(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
