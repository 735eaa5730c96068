// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"net/url"
	"strings"
)

// URLVars are the values substituted into a widget URL template.
type URLVars struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	RoomID      string
	WidgetID    string
}

// ExpandURL replaces the $matrix_* placeholders in template with
// query-escaped values.
func ExpandURL(template string, vars URLVars) string {
	return strings.NewReplacer(
		"$matrix_user_id", url.QueryEscape(vars.UserID),
		"$matrix_display_name", url.QueryEscape(vars.DisplayName),
		"$matrix_avatar_url", url.QueryEscape(vars.AvatarURL),
		"$matrix_room_id", url.QueryEscape(vars.RoomID),
		"$matrix_widget_id", url.QueryEscape(vars.WidgetID),
	).Replace(template)
}
