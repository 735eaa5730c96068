// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/lib/secret"
)

// DirectSession is a Session backed by an access token talking directly
// to the homeserver. The access token lives in a secret.Buffer; call
// Close when the session is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    string
}

// UserID returns the account this session is logged in as.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device this session is logged in on.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// Close releases the access token. Idempotent.
func (s *DirectSession) Close() error {
	return s.accessToken.Close()
}

// WhoAmI validates the access token. When the session was created
// without a device ID, the one reported by the server is adopted.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami: %w", err)
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: parsing whoami response: %w", err)
	}
	if response.UserID != s.userID {
		return ref.UserID{}, fmt.Errorf("messaging: access token belongs to %s, not %s", response.UserID, s.userID)
	}
	if s.deviceID == "" {
		s.deviceID = response.DeviceID
	}
	return response.UserID, nil
}

func statePath(roomID ref.RoomID, eventType ref.EventType, stateKey string) string {
	return fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)
}

// SendStateEvent PUTs a state event and returns its event ID.
func (s *DirectSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	body, err := s.client.doRequest(ctx, http.MethodPut, statePath(roomID, eventType, stateKey), s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event %s/%s to %s: %w", eventType, stateKey, roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: parsing send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent returns the raw content of one state event. A missing
// event is a *MatrixError with ErrCodeNotFound.
func (s *DirectSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, statePath(roomID, eventType, stateKey), s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomState returns every current state event of the room.
func (s *DirectSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %s: %w", roomID, err)
	}
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: parsing room state response: %w", err)
	}
	for index := range events {
		if events[index].RoomID.IsZero() {
			events[index].RoomID = roomID
		}
	}
	return events, nil
}

// Sync performs one /sync request. Leave options.Since empty for the
// initial sync.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing sync response: %w", err)
	}
	return &response, nil
}

// JoinedRooms lists the rooms the user is joined to.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms: %w", err)
	}
	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// RequestOpenIDToken requests an OpenID token for the session's user.
func (s *DirectSession) RequestOpenIDToken(ctx context.Context) (*OpenIDToken, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/openid/request_token", url.PathEscape(s.userID.String()))
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("messaging: request openid token: %w", err)
	}
	var token OpenIDToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("messaging: parsing openid token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("messaging: homeserver returned an empty openid token")
	}
	return &token, nil
}
