// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// sessionSeparator joins user ID and device ID in the string form of a
// SessionID. The pipe is not valid in Matrix user IDs, so the first
// pipe always ends the user ID.
const sessionSeparator = "|"

// SessionID identifies one logged-in device of a Matrix account. Two
// sessions of the same user (a phone and a desktop, or a session
// before and after re-login) have distinct SessionIDs but the same
// UserID.
//
// SessionID is comparable and usable as a map key. The zero value is
// not valid; use IsZero to check.
type SessionID struct {
	userID   UserID
	deviceID string
}

// NewSessionID builds a SessionID from a validated user ID and a
// device ID. The device ID must be non-empty and must not contain the
// separator.
func NewSessionID(userID UserID, deviceID string) (SessionID, error) {
	if userID.IsZero() {
		return SessionID{}, fmt.Errorf("session ID requires a user ID")
	}
	if deviceID == "" {
		return SessionID{}, fmt.Errorf("session ID for %s requires a device ID", userID)
	}
	if strings.Contains(deviceID, sessionSeparator) {
		return SessionID{}, fmt.Errorf("device ID %q must not contain %q", deviceID, sessionSeparator)
	}
	return SessionID{userID: userID, deviceID: deviceID}, nil
}

// MustNewSessionID is like NewSessionID but panics on error.
func MustNewSessionID(userID UserID, deviceID string) SessionID {
	sessionID, err := NewSessionID(userID, deviceID)
	if err != nil {
		panic(fmt.Sprintf("ref.MustNewSessionID: %v", err))
	}
	return sessionID
}

// ParseSessionID parses the "<user_id>|<device_id>" string form.
func ParseSessionID(raw string) (SessionID, error) {
	userPart, devicePart, found := strings.Cut(raw, sessionSeparator)
	if !found {
		return SessionID{}, fmt.Errorf("session ID %q missing %q separator", raw, sessionSeparator)
	}
	userID, err := ParseUserID(userPart)
	if err != nil {
		return SessionID{}, fmt.Errorf("session ID %q: %w", raw, err)
	}
	return NewSessionID(userID, devicePart)
}

// UserID returns the account the session belongs to.
func (s SessionID) UserID() UserID { return s.userID }

// DeviceID returns the device the session is logged in on.
func (s SessionID) DeviceID() string { return s.deviceID }

// IsZero reports whether the SessionID is the zero value.
func (s SessionID) IsZero() bool { return s.userID.IsZero() }

// String returns "<user_id>|<device_id>", or "" for the zero value.
func (s SessionID) String() string {
	if s.IsZero() {
		return ""
	}
	return s.userID.String() + sessionSeparator + s.deviceID
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *SessionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SessionID{}
		return nil
	}
	parsed, err := ParseSessionID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
