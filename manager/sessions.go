// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/widget"
)

// sessionEntry is a registered session and its observation loop.
type sessionEntry struct {
	id      ref.SessionID
	session messaging.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// AddSession registers session and starts observing widget state in
// its joined rooms. The observation loop outlives ctx; it ends with
// RemoveSession or Close. Adding a registered session ID again is a
// no-op.
func (m *Manager) AddSession(ctx context.Context, session messaging.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session.UserID().IsZero() || session.DeviceID() == "" {
		return fmt.Errorf("manager: session needs a user ID and a device ID")
	}
	sessionID := messaging.SessionIDOf(session)

	stream, err := messaging.NewStateStream(messaging.StateStreamConfig{
		Session:    session,
		EventTypes: []ref.EventType{widget.EventType},
		NewBackOff: m.newBackOff,
		Clock:      m.clock,
		Logger:     m.logger,
	})
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil
	}
	observeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &sessionEntry{
		id:      sessionID,
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.sessions[sessionID] = entry
	m.metrics.sessionCount(len(m.sessions))
	m.mu.Unlock()

	go m.observe(observeCtx, entry, stream)
	m.logger.Info("session registered", "session_id", sessionID)
	return nil
}

// RemoveSession stops observing the session, cancels its token fetch,
// evicts its token, and drops its recorded widget state. Unknown
// session IDs are ignored.
func (m *Manager) RemoveSession(sessionID ref.SessionID) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.metrics.sessionCount(len(m.sessions))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	<-entry.done
	m.tokens.Evict(sessionID)

	m.mu.Lock()
	m.forgetLocked(func(id ref.SessionID) bool { return id == sessionID })
	m.mu.Unlock()
	m.logger.Info("session removed", "session_id", sessionID)
}

// DeleteDataForUser erases every token and every piece of
// session-scoped state held for userID, across all of the user's
// sessions, registered or not. Registered sessions stay registered. Unknown users
// succeed.
func (m *Manager) DeleteDataForUser(ctx context.Context, userID ref.UserID) error {
	if err := m.tokens.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("manager: deleting data of %s: %w", userID, err)
	}
	m.mu.Lock()
	m.forgetLocked(func(id ref.SessionID) bool { return id.UserID() == userID })
	m.mu.Unlock()
	m.logger.Info("deleted user data", "user_id", userID)
	return nil
}

// Session returns the registered session with sessionID.
func (m *Manager) Session(sessionID ref.SessionID) (messaging.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Sessions lists registered session IDs, sorted.
func (m *Manager) Sessions() []ref.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ref.SessionID, 0, len(m.sessions))
	for sessionID := range m.sessions {
		ids = append(ids, sessionID)
	}
	slices.SortFunc(ids, func(a, b ref.SessionID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}

func (m *Manager) observe(ctx context.Context, entry *sessionEntry, stream *messaging.StateStream) {
	defer close(entry.done)
	logger := m.logger.With("session_id", entry.id)

	err := stream.Run(ctx, func(change messaging.StateChange) {
		m.observeChange(entry.id, change)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("widget observation stopped", "error", err)
	}
}

// observeChange records a widget state event seen through /sync and
// publishes it unless it repeats the recorded content. Events from the
// first sync only seed the record.
func (m *Manager) observeChange(sessionID ref.SessionID, change messaging.StateChange) {
	event := change.Event
	if event.Type != widget.EventType {
		return
	}
	w, live := widget.FromEvent(event, sessionID)
	key := widgetKey{sessionID: sessionID, roomID: change.RoomID, widgetID: *event.StateKey}
	previous, seen := m.record(key, event.Content, live)

	if change.Initial {
		return
	}
	if seen && previous.fingerprint == widget.FingerprintOf(event.Content) {
		return
	}
	switch {
	case live:
		m.bus.publish(Event{Kind: Updated, SessionID: sessionID, RoomID: change.RoomID, WidgetID: key.widgetID, Widget: w})
	case seen && previous.live:
		m.bus.publish(Event{Kind: Removed, SessionID: sessionID, RoomID: change.RoomID, WidgetID: key.widgetID})
	}
}
