// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// JitsiWidgetID returns the ID of a Jitsi widget created by userID at
// now for the conference widgetSessionID:
// "jitsi_<user_id>_<unix_ms>_<widget_session_id>". The random suffix
// keeps two creates in the same millisecond from sharing a state key.
func JitsiWidgetID(userID ref.UserID, now time.Time, widgetSessionID string) string {
	return fmt.Sprintf("jitsi_%s_%d_%s", userID, now.UnixMilli(), widgetSessionID)
}

// NewWidgetSessionID returns a short random conference suffix: the
// first 7 characters of a random UUID.
func NewWidgetSessionID() string {
	return strings.ToLower(uuid.NewString()[:7])
}

// JitsiContent builds the content of a Jitsi conference widget hosted
// under widgetsURL. The conference ID is the room ID's localpart
// followed by widgetSessionID. The URL keeps the display name, avatar
// and user placeholders for the client to expand.
func JitsiContent(widgetsURL string, roomID ref.RoomID, widgetSessionID string, video bool) Content {
	conferenceID := roomID.Localpart() + widgetSessionID
	audioOnly := strconv.FormatBool(!video)

	query := "confId=" + url.QueryEscape(conferenceID) +
		"&isAudioConf=" + audioOnly +
		"&displayName=$matrix_display_name" +
		"&avatarUrl=$matrix_avatar_url" +
		"&email=$matrix_user_id"

	return Content{
		Type: TypeJitsi,
		URL:  strings.TrimRight(widgetsURL, "/") + "/widgets/jitsi.html?" + query,
		Name: "Jitsi",
		Data: map[string]any{
			"widgetSessionId": widgetSessionID,
			"conferenceId":    conferenceID,
			"isAudioConf":     !video,
		},
	}
}
