// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"slices"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
)

// RoomState is a snapshot of a room's state events as seen by one
// session. When Events holds several events with the same type and
// state key, the later one is the current one.
type RoomState struct {
	RoomID    ref.RoomID
	SessionID ref.SessionID
	Events    []messaging.Event
}

type stateKey struct {
	eventType ref.EventType
	key       string
}

// current returns the index of the current event for every (type,
// state key), in the order those events appear.
func (s RoomState) current() []int {
	latest := make(map[stateKey]int)
	for index, event := range s.Events {
		if !event.IsState() {
			continue
		}
		latest[stateKey{event.Type, *event.StateKey}] = index
	}
	indexes := make([]int, 0, len(latest))
	for _, index := range latest {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	return indexes
}

// Lookup returns the current event for eventType and key.
func (s RoomState) Lookup(eventType ref.EventType, key string) (messaging.Event, bool) {
	for index := len(s.Events) - 1; index >= 0; index-- {
		event := s.Events[index]
		if event.Type == eventType && event.StateKey != nil && *event.StateKey == key {
			return event, true
		}
	}
	return messaging.Event{}, false
}

// Widget returns the live widget with the given ID.
func (s RoomState) Widget(widgetID string) (Widget, bool) {
	event, ok := s.Lookup(EventType, widgetID)
	if !ok {
		return Widget{}, false
	}
	return s.widgetFrom(event)
}

func (s RoomState) widgetFrom(event messaging.Event) (Widget, bool) {
	if event.RoomID.IsZero() {
		event.RoomID = s.RoomID
	}
	return FromEvent(event, s.SessionID)
}

// WidgetsInRoom returns every live widget in state, in event order.
// Tombstoned and malformed widget events are skipped.
func WidgetsInRoom(state RoomState) []Widget {
	var widgets []Widget
	for _, index := range state.current() {
		if w, ok := state.widgetFrom(state.Events[index]); ok {
			widgets = append(widgets, w)
		}
	}
	return widgets
}

// WidgetsOfTypes returns the live widgets whose type is in types. A nil
// types means every widget; an empty non-nil slice matches none.
func WidgetsOfTypes(types []string, state RoomState) []Widget {
	return FilterOfTypes(types, WidgetsInRoom(state))
}

// WidgetsNotOfTypes returns the live widgets whose type is not in types.
// A nil types excludes nothing.
func WidgetsNotOfTypes(types []string, state RoomState) []Widget {
	return FilterNotOfTypes(types, WidgetsInRoom(state))
}

// FilterOfTypes keeps the widgets whose type is in types. A nil types
// keeps everything.
func FilterOfTypes(types []string, widgets []Widget) []Widget {
	if types == nil {
		return widgets
	}
	var kept []Widget
	for _, w := range widgets {
		if slices.Contains(types, w.Type()) {
			kept = append(kept, w)
		}
	}
	return kept
}

// FilterNotOfTypes drops the widgets whose type is in types. A nil
// types drops nothing.
func FilterNotOfTypes(types []string, widgets []Widget) []Widget {
	if types == nil {
		return widgets
	}
	var kept []Widget
	for _, w := range widgets {
		if !slices.Contains(types, w.Type()) {
			kept = append(kept, w)
		}
	}
	return kept
}
