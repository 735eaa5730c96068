// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
)

// Power level defaults from the Matrix specification.
const (
	defaultStateLevel   = 50
	creatorDefaultLevel = 100
)

// Level is a power level. Old room versions allow levels encoded as
// strings ("50"); both forms decode.
type Level int

// UnmarshalJSON accepts a JSON integer or a string holding one.
func (l *Level) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	value, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	*l = Level(value)
	return nil
}

// PowerLevels is the part of m.room.power_levels that governs state
// events. Pointers distinguish "absent" from an explicit 0.
type PowerLevels struct {
	Users        map[string]Level `json:"users,omitempty"`
	UsersDefault *Level           `json:"users_default,omitempty"`
	Events       map[string]Level `json:"events,omitempty"`
	StateDefault *Level           `json:"state_default,omitempty"`
}

// UserLevel returns the level of userID: the explicit entry, else
// users_default, else 0.
func (p PowerLevels) UserLevel(userID ref.UserID) int {
	if level, ok := p.Users[userID.String()]; ok {
		return int(level)
	}
	if p.UsersDefault != nil {
		return int(*p.UsersDefault)
	}
	return 0
}

// StateEventLevel returns the level required to send a state event of
// eventType: the events entry, else state_default, else 50.
func (p PowerLevels) StateEventLevel(eventType ref.EventType) int {
	if level, ok := p.Events[eventType.String()]; ok {
		return int(level)
	}
	if p.StateDefault != nil {
		return int(*p.StateDefault)
	}
	return defaultStateLevel
}

// PowerLevelsFromState returns the room's power levels. It returns false
// when the snapshot has no m.room.power_levels event. Undecodable
// content counts as an empty power levels event.
func PowerLevelsFromState(state RoomState) (PowerLevels, bool) {
	event, ok := state.Lookup(messaging.EventTypePowerLevels, "")
	if !ok {
		return PowerLevels{}, false
	}
	var levels PowerLevels
	if err := event.DecodeContent(&levels); err != nil {
		return PowerLevels{}, true
	}
	return levels, true
}

// RequiredWidgetLevel is the level needed to send widget state events.
// Without a power levels event, anyone may send state (level 0).
func RequiredWidgetLevel(state RoomState) int {
	levels, ok := PowerLevelsFromState(state)
	if !ok {
		return 0
	}
	return levels.StateEventLevel(EventType)
}

// UserLevel returns userID's level in the room. Without a power levels
// event the room creator has 100 and everyone else 0.
func UserLevel(userID ref.UserID, state RoomState) int {
	if levels, ok := PowerLevelsFromState(state); ok {
		return levels.UserLevel(userID)
	}
	if creator, ok := roomCreator(state); ok && creator == userID {
		return creatorDefaultLevel
	}
	return 0
}

// CanManageWidgets reports whether userID may add, change, or close
// widgets in the room described by state.
func CanManageWidgets(userID ref.UserID, state RoomState) bool {
	return UserLevel(userID, state) >= RequiredWidgetLevel(state)
}

// roomCreator reads the creator from m.room.create: the "creator"
// content field in older room versions, the sender from v11 on.
func roomCreator(state RoomState) (ref.UserID, bool) {
	event, ok := state.Lookup(messaging.EventTypeCreate, "")
	if !ok {
		return ref.UserID{}, false
	}
	var content struct {
		Creator string `json:"creator"`
	}
	if json.Unmarshal(event.Content, &content) == nil && content.Creator != "" {
		if creator, err := ref.ParseUserID(content.Creator); err == nil {
			return creator, true
		}
	}
	if !event.Sender.IsZero() {
		return event.Sender, true
	}
	return ref.UserID{}, false
}
