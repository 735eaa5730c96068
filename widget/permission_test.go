// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"testing"

	"github.com/bureau-foundation/widgets/messaging"
)

func powerLevels(content string) messaging.Event {
	return event(messaging.EventTypePowerLevels, "", alice, content)
}

func TestCanManageWidgets(t *testing.T) {
	t.Parallel()

	create := event(messaging.EventTypeCreate, "", alice, `{"creator":"@alice:example.org"}`)
	tests := []struct {
		name  string
		state RoomState
		alice bool
		bob   bool
	}{
		{
			name:  "no power levels, creator may",
			state: snapshot(create),
			alice: true,
			bob:   true, // threshold is 0 without power levels
		},
		{
			name:  "widget event level wins over state_default",
			state: snapshot(powerLevels(`{"users":{"@alice:example.org":100},"events":{"im.vector.modular.widgets":10},"state_default":50}`)),
			alice: true,
			bob:   false,
		},
		{
			name:  "users_default meets widget level",
			state: snapshot(powerLevels(`{"users_default":10,"events":{"im.vector.modular.widgets":10}}`)),
			alice: true,
			bob:   true,
		},
		{
			name:  "state_default applies",
			state: snapshot(powerLevels(`{"users":{"@bob:example.org":40},"state_default":40}`)),
			alice: false,
			bob:   true,
		},
		{
			name:  "missing state_default means 50",
			state: snapshot(powerLevels(`{"users":{"@alice:example.org":50,"@bob:example.org":49}}`)),
			alice: true,
			bob:   false,
		},
		{
			name:  "string levels from old rooms",
			state: snapshot(powerLevels(`{"users":{"@alice:example.org":"75"},"state_default":"60"}`)),
			alice: true,
			bob:   false,
		},
		{
			name:  "later power levels event replaces earlier",
			state: snapshot(powerLevels(`{"users":{"@bob:example.org":100}}`), powerLevels(`{"users":{"@alice:example.org":100}}`)),
			alice: true,
			bob:   false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := CanManageWidgets(alice, test.state); got != test.alice {
				t.Errorf("alice: got %v, want %v", got, test.alice)
			}
			if got := CanManageWidgets(bob, test.state); got != test.bob {
				t.Errorf("bob: got %v, want %v", got, test.bob)
			}
		})
	}
}

func TestUserLevelCreatorFallback(t *testing.T) {
	t.Parallel()
	// Room v11 drops "creator"; the sender is the creator.
	create := event(messaging.EventTypeCreate, "", bob, `{"room_version":"11"}`)
	state := snapshot(create)
	if got := UserLevel(bob, state); got != 100 {
		t.Errorf("creator level = %d, want 100", got)
	}
	if got := UserLevel(alice, state); got != 0 {
		t.Errorf("non-creator level = %d, want 0", got)
	}
	if got := RequiredWidgetLevel(state); got != 0 {
		t.Errorf("required level without power levels = %d, want 0", got)
	}
}

func TestPowerLevelsFromStateAbsent(t *testing.T) {
	t.Parallel()
	if _, ok := PowerLevelsFromState(snapshot()); ok {
		t.Error("reported power levels for an empty snapshot")
	}
	levels, ok := PowerLevelsFromState(snapshot(powerLevels(`{"users":"garbage"}`)))
	if !ok {
		t.Fatal("malformed power levels should still count as present")
	}
	if levels.StateEventLevel(EventType) != 50 {
		t.Errorf("malformed power levels threshold = %d, want 50", levels.StateEventLevel(EventType))
	}
}
