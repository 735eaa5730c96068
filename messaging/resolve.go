// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// GetState fetches one state event and unmarshals its content into T.
//
//	levels, err := messaging.GetState[powerLevels](ctx, session, roomID, messaging.EventTypePowerLevels, "")
func GetState[T any](ctx context.Context, session Session, roomID ref.RoomID, eventType ref.EventType, stateKey string) (T, error) {
	var zero T
	raw, err := session.GetStateEvent(ctx, roomID, eventType, stateKey)
	if err != nil {
		return zero, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("messaging: decoding %s/%q in %s: %w", eventType, stateKey, roomID, err)
	}
	return value, nil
}
