// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"encoding/json"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
)

var (
	testRoom    = ref.MustParseRoomID("!room:example.org")
	alice       = ref.MustParseUserID("@alice:example.org")
	bob         = ref.MustParseUserID("@bob:example.org")
	testSession = ref.MustNewSessionID(alice, "DEV")
)

func event(eventType ref.EventType, key string, sender ref.UserID, content string) messaging.Event {
	return messaging.Event{
		Type:     eventType,
		StateKey: &key,
		Sender:   sender,
		Content:  json.RawMessage(content),
	}
}

func widgetEvent(id, content string) messaging.Event {
	return event(EventType, id, alice, content)
}

func snapshot(events ...messaging.Event) RoomState {
	return RoomState{RoomID: testRoom, SessionID: testSession, Events: events}
}

func ids(widgets []Widget) []string {
	result := make([]string, len(widgets))
	for index, w := range widgets {
		result[index] = w.ID()
	}
	return result
}
