// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// Session is the Matrix surface the widget manager needs from a
// logged-in device. *DirectSession is the production implementation;
// tests substitute in-memory fakes.
type Session interface {
	UserID() ref.UserID
	DeviceID() string

	// GetStateEvent returns the content of one state event, or a
	// *MatrixError with ErrCodeNotFound.
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)

	// GetRoomState returns every current state event of a room.
	GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)

	// SendStateEvent replaces a state event and returns its event ID.
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error)

	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// RequestOpenIDToken asks the homeserver for a token a third party
	// can verify to learn this session's user ID.
	RequestOpenIDToken(ctx context.Context) (*OpenIDToken, error)
}

// SessionIDOf returns the session identity of s. It panics if s reports
// an empty device ID.
func SessionIDOf(s Session) ref.SessionID {
	return ref.MustNewSessionID(s.UserID(), s.DeviceID())
}

var _ Session = (*DirectSession)(nil)
