// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"encoding/json"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
)

// EventType is the state event type widgets are stored under.
const EventType ref.EventType = "im.vector.modular.widgets"

// TypeJitsi is the widget type of Jitsi conference widgets.
const TypeJitsi = "jitsi"

// Widget is an immutable snapshot of one live widget as observed by one
// session. Build one with [FromEvent]; a new observation yields a new
// value.
type Widget struct {
	id         string
	widgetType string
	url        string
	name       string
	data       json.RawMessage
	creator    ref.UserID
	roomID     ref.RoomID
	sessionID  ref.SessionID
	eventID    ref.EventID
	raw        json.RawMessage
}

// liveFields is the part of the content that decides liveness. Fields
// are decoded loosely so that a non-string type or url makes the widget
// not live instead of failing the whole snapshot.
type liveFields struct {
	Type any             `json:"type"`
	URL  any             `json:"url"`
	Name any             `json:"name"`
	Data json.RawMessage `json:"data"`
}

// IsLive reports whether content describes a live widget: a JSON object
// with non-empty string "type" and "url".
func IsLive(content json.RawMessage) bool {
	_, ok := parseLive(content)
	return ok
}

func parseLive(content json.RawMessage) (liveFields, bool) {
	var fields liveFields
	if len(content) == 0 || json.Unmarshal(content, &fields) != nil {
		return fields, false
	}
	widgetType, typeOK := fields.Type.(string)
	url, urlOK := fields.URL.(string)
	return fields, typeOK && urlOK && widgetType != "" && url != ""
}

// FromEvent builds a Widget from a widget state event seen by sessionID.
// It returns false for other event types, tombstones, and content that
// is not live.
func FromEvent(event messaging.Event, sessionID ref.SessionID) (Widget, bool) {
	if event.Type != EventType || event.StateKey == nil {
		return Widget{}, false
	}
	fields, live := parseLive(event.Content)
	if !live {
		return Widget{}, false
	}
	name, _ := fields.Name.(string)
	return Widget{
		id:         *event.StateKey,
		widgetType: fields.Type.(string),
		url:        fields.URL.(string),
		name:       name,
		data:       cloneRaw(fields.Data),
		creator:    event.Sender,
		roomID:     event.RoomID,
		sessionID:  sessionID,
		eventID:    event.EventID,
		raw:        cloneRaw(event.Content),
	}, true
}

// ID returns the widget ID (the state key), unique within its room.
func (w Widget) ID() string { return w.id }

// Type returns the widget type, such as TypeJitsi.
func (w Widget) Type() string { return w.widgetType }

// URL returns the URL template with $matrix_* placeholders unexpanded.
func (w Widget) URL() string { return w.url }

// Name returns the display name, possibly empty.
func (w Widget) Name() string { return w.name }

// Data returns a fresh copy of the "data" object, or nil if absent or
// not an object. Key order is lost; use [Widget.RawData] when it
// matters.
func (w Widget) Data() map[string]any {
	if len(w.data) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(w.data, &data); err != nil {
		return nil
	}
	return data
}

// RawData returns a copy of the "data" value exactly as it appears in
// the event content, keys in their original order.
func (w Widget) RawData() json.RawMessage { return cloneRaw(w.data) }

// Creator returns the sender of the state event.
func (w Widget) Creator() ref.UserID { return w.creator }

// RoomID returns the room the widget lives in.
func (w Widget) RoomID() ref.RoomID { return w.roomID }

// SessionID returns the session the widget was observed through.
func (w Widget) SessionID() ref.SessionID { return w.sessionID }

// EventID returns the ID of the state event, when known.
func (w Widget) EventID() ref.EventID { return w.eventID }

// RawContent returns a copy of the state event content as received.
func (w Widget) RawContent() json.RawMessage { return cloneRaw(w.raw) }

// IsZero reports whether w is the zero Widget.
func (w Widget) IsZero() bool { return w.id == "" }

// MarshalJSON renders the widget for API clients.
func (w Widget) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		URL       string          `json:"url"`
		Name      string          `json:"name,omitempty"`
		Creator   ref.UserID      `json:"creator"`
		RoomID    ref.RoomID      `json:"room_id"`
		SessionID ref.SessionID   `json:"session_id"`
		EventID   ref.EventID     `json:"event_id,omitzero"`
		Content   json.RawMessage `json:"content"`
	}{w.id, w.widgetType, w.url, w.name, w.creator, w.roomID, w.sessionID, w.eventID, w.raw})
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
