// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Unix(1735689600, 0)
	fake := Fake(start)

	channel := fake.After(2 * time.Second)
	if fake.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", fake.PendingCount())
	}

	fake.Advance(time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, start.Add(2*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after firing, want 0", fake.PendingCount())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()

	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("After(0) registered a waiter")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()

	fake := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	<-done

	if got := fake.Now(); !got.Equal(time.Unix(60, 0)) {
		t.Errorf("Now() = %v, want %v", got, time.Unix(60, 0))
	}
}
