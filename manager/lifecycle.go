// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/widget"
)

func failure(kind widget.Kind, op string, roomID ref.RoomID, widgetID string, err error) error {
	return &widget.Error{Kind: kind, Op: op, RoomID: roomID, WidgetID: widgetID, Err: err}
}

// snapshot fetches the room's current state as seen by session.
func snapshot(ctx context.Context, session messaging.Session, roomID ref.RoomID) (widget.RoomState, error) {
	events, err := session.GetRoomState(ctx, roomID)
	if err != nil {
		return widget.RoomState{}, err
	}
	return widget.RoomState{RoomID: roomID, SessionID: messaging.SessionIDOf(session), Events: events}, nil
}

// Widgets returns the live widgets of roomID. types and notTypes filter
// by widget type; nil means no filtering.
func (m *Manager) Widgets(ctx context.Context, session messaging.Session, roomID ref.RoomID, types, notTypes []string) ([]widget.Widget, error) {
	state, err := snapshot(ctx, session, roomID)
	if err != nil {
		return nil, failure(widget.KindTransport, "list widgets", roomID, "", err)
	}
	return widget.FilterNotOfTypes(notTypes, widget.WidgetsOfTypes(types, state)), nil
}

// CreateWidget sets widget widgetID in roomID to content and returns the
// widget as read back from the homeserver.
//
// Content is validated before anything is sent, and nothing is sent
// when the session's user lacks the power to manage widgets. Concurrent
// creates of the same ID are not coordinated: the homeserver keeps the
// last.
func (m *Manager) CreateWidget(ctx context.Context, session messaging.Session, roomID ref.RoomID, widgetID string, content json.RawMessage) (result widget.Widget, err error) {
	const op = "create widget"
	defer func() { m.metrics.operation("create", err) }()

	if widgetID == "" {
		return widget.Widget{}, failure(widget.KindInvalidContent, op, roomID, widgetID, fmt.Errorf("widget ID is empty"))
	}
	if err := widget.ValidateContent(content); err != nil {
		return widget.Widget{}, failure(widget.KindInvalidContent, op, roomID, widgetID, err)
	}

	state, err := snapshot(ctx, session, roomID)
	if err != nil {
		return widget.Widget{}, failure(widget.KindTransport, op, roomID, widgetID, err)
	}
	if !widget.CanManageWidgets(session.UserID(), state) {
		return widget.Widget{}, failure(widget.KindNotEnoughPower, op, roomID, widgetID,
			fmt.Errorf("%s has power %d, widgets need %d",
				session.UserID(), widget.UserLevel(session.UserID(), state), widget.RequiredWidgetLevel(state)))
	}

	eventID, err := session.SendStateEvent(ctx, roomID, widget.EventType, widgetID, content)
	if err != nil {
		return widget.Widget{}, failure(widget.KindTransport, op, roomID, widgetID, err)
	}

	stored, err := session.GetStateEvent(ctx, roomID, widget.EventType, widgetID)
	if err != nil {
		return widget.Widget{}, failure(widget.KindCreationFailed, op, roomID, widgetID, err)
	}
	sessionID := messaging.SessionIDOf(session)
	stateKey := widgetID
	created, live := widget.FromEvent(messaging.Event{
		EventID:  eventID,
		Type:     widget.EventType,
		Sender:   session.UserID(),
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  stored,
	}, sessionID)
	if !live {
		return widget.Widget{}, failure(widget.KindCreationFailed, op, roomID, widgetID,
			fmt.Errorf("state read back after %s is not a live widget", eventID))
	}

	m.record(widgetKey{sessionID: sessionID, roomID: roomID, widgetID: widgetID}, stored, true)
	m.bus.publish(Event{Kind: Updated, SessionID: sessionID, RoomID: roomID, WidgetID: widgetID, Widget: created})
	m.logger.Info("widget created",
		"session_id", sessionID,
		"room_id", roomID,
		"widget_id", widgetID,
		"type", created.Type(),
	)
	return created, nil
}

// CreateJitsiWidget adds a Jitsi conference widget to roomID, audio
// only unless video is set.
func (m *Manager) CreateJitsiWidget(ctx context.Context, session messaging.Session, roomID ref.RoomID, video bool) (widget.Widget, error) {
	widgetSessionID := widget.NewWidgetSessionID()
	widgetID := widget.JitsiWidgetID(session.UserID(), m.clock.Now(), widgetSessionID)
	content := widget.JitsiContent(m.widgetsURL, roomID, widgetSessionID, video)
	data, err := json.Marshal(content)
	if err != nil {
		return widget.Widget{}, failure(widget.KindInvalidContent, "create jitsi widget", roomID, widgetID, err)
	}
	return m.CreateWidget(ctx, session, roomID, widgetID, data)
}

// CloseWidget replaces widget widgetID with a tombstone. Closing an ID
// with no live widget succeeds without publishing anything.
func (m *Manager) CloseWidget(ctx context.Context, session messaging.Session, roomID ref.RoomID, widgetID string) (err error) {
	const op = "close widget"
	defer func() { m.metrics.operation("close", err) }()

	state, err := snapshot(ctx, session, roomID)
	if err != nil {
		return failure(widget.KindTransport, op, roomID, widgetID, err)
	}
	if !widget.CanManageWidgets(session.UserID(), state) {
		return failure(widget.KindNotEnoughPower, op, roomID, widgetID,
			fmt.Errorf("%s has power %d, widgets need %d",
				session.UserID(), widget.UserLevel(session.UserID(), state), widget.RequiredWidgetLevel(state)))
	}
	_, existed := state.Widget(widgetID)

	if _, err := session.SendStateEvent(ctx, roomID, widget.EventType, widgetID, widget.Tombstone); err != nil {
		return failure(widget.KindTransport, op, roomID, widgetID, err)
	}

	sessionID := messaging.SessionIDOf(session)
	m.record(widgetKey{sessionID: sessionID, roomID: roomID, widgetID: widgetID}, widget.Tombstone, false)
	if existed {
		m.bus.publish(Event{Kind: Removed, SessionID: sessionID, RoomID: roomID, WidgetID: widgetID})
		m.logger.Info("widget closed", "session_id", sessionID, "room_id", roomID, "widget_id", widgetID)
	}
	return nil
}

// WidgetURL returns w's URL ready to load: placeholders expanded for
// session's user and, when the URL belongs to a whitelisted integration
// manager, the session's scalar_token appended.
//
// If the integration manager later rejects the token, report it with
// InvalidateToken so the next call exchanges a new one.
func (m *Manager) WidgetURL(ctx context.Context, session messaging.Session, w widget.Widget) (string, error) {
	vars := widget.URLVars{
		UserID:      session.UserID().String(),
		DisplayName: session.UserID().String(),
		RoomID:      w.RoomID().String(),
		WidgetID:    w.ID(),
	}
	member, err := messaging.GetState[memberContent](ctx, session, w.RoomID(), messaging.EventTypeMember, session.UserID().String())
	if err == nil {
		if member.DisplayName != "" {
			vars.DisplayName = member.DisplayName
		}
		vars.AvatarURL = member.AvatarURL
	} else {
		m.logger.Debug("no member profile for widget URL", "room_id", w.RoomID(), "error", err)
	}
	expanded := widget.ExpandURL(w.URL(), vars)

	if m.integrations == nil || !m.integrations.IsWhitelisted(expanded) {
		return expanded, nil
	}
	const op = "authorize widget url"
	token, err := m.tokens.GetToken(ctx, session)
	if err != nil {
		return "", failure(widget.KindTransport, op, w.RoomID(), w.ID(), err)
	}
	authorized, err := m.integrations.AuthorizeURL(expanded, token)
	if err != nil {
		return "", failure(widget.KindInvalidContent, op, w.RoomID(), w.ID(), err)
	}
	return authorized, nil
}

// InvalidateToken discards the session's integration-manager token in
// memory and on disk.
func (m *Manager) InvalidateToken(ctx context.Context, sessionID ref.SessionID) error {
	return m.tokens.Invalidate(ctx, sessionID)
}

type memberContent struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}
