// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// Well-known state event types.
const (
	EventTypeCreate      ref.EventType = "m.room.create"
	EventTypePowerLevels ref.EventType = "m.room.power_levels"
	EventTypeMember      ref.EventType = "m.room.member"
)

// Event is a Matrix event as returned by /state and /sync. Content is
// kept verbatim so that consumers can fingerprint and re-emit the exact
// bytes the homeserver sent.
type Event struct {
	EventID        ref.EventID     `json:"event_id,omitzero"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender,omitzero"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	RoomID         ref.RoomID      `json:"room_id,omitzero"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyOr returns the state key, or fallback for non-state events.
func (e Event) StateKeyOr(fallback string) string {
	if e.StateKey == nil {
		return fallback
	}
	return *e.StateKey
}

// DecodeContent unmarshals Content into v. Empty content decodes as {}.
func (e Event) DecodeContent(v any) error {
	if len(e.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Content, v)
}

// EventUnsigned holds the unsigned data the server attaches.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// SyncOptions controls a single /sync request.
type SyncOptions struct {
	Since      string // next_batch from the previous response; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds
	SetTimeout bool   // send timeout even when zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the subset of /sync widgetd reads.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room data by membership. Keys are validated
// through ref.RoomID's TextUnmarshaler.
type RoomsSection struct {
	Join  map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
	Leave map[ref.RoomID]LeftRoom   `json:"leave,omitempty"`
}

// JoinedRoom is the sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// LeftRoom is the sync data for a room the user left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection holds timeline events. State changes appear here with
// a state_key.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// StateSection holds state preceding the timeline.
type StateSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by state and timeline sends.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// OpenIDToken is the credential from /openid/request_token. A third
// party (the integration manager) exchanges it for its own token and
// verifies it against the homeserver's federation API.
type OpenIDToken struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	MatrixServerName string `json:"matrix_server_name"`
	ExpiresIn        int    `json:"expires_in"`
}
