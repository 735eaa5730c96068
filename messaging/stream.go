// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/ref"
)

// StateChange is one state event observed through /sync.
type StateChange struct {
	RoomID ref.RoomID
	Event  Event

	// Initial is set for events from the first sync, which describe
	// state as it already was rather than a change.
	Initial bool
}

// StateStreamConfig configures a StateStream.
type StateStreamConfig struct {
	Session Session

	// EventTypes restricts the stream to these state event types.
	// Empty means every state event.
	EventTypes []ref.EventType

	// LongPollTimeout is how long the homeserver may hold each /sync.
	// Defaults to 30s.
	LongPollTimeout time.Duration

	// NewBackOff builds the retry policy used between failed syncs.
	// Defaults to an exponential policy from 500ms to 1m.
	NewBackOff func() backoff.BackOff

	Clock  clock.Clock
	Logger *slog.Logger
}

// StateStream follows the /sync stream of one session and reports every
// state event of the configured types, across all joined rooms.
//
// Transient failures (network errors, 5xx, rate limiting) are retried
// indefinitely with backoff. Permanent failures such as a revoked
// access token end Run.
type StateStream struct {
	session         Session
	filter          string
	longPollTimeout int
	backOff         backoff.BackOff
	clock           clock.Clock
	logger          *slog.Logger
	nextBatch       string
}

// NewStateStream validates config and builds the sync filter.
func NewStateStream(config StateStreamConfig) (*StateStream, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("messaging: StateStream requires a Session")
	}
	longPoll := config.LongPollTimeout
	if longPoll <= 0 {
		longPoll = 30 * time.Second
	}
	newBackOff := config.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	streamClock := config.Clock
	if streamClock == nil {
		streamClock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStream{
		session:         config.Session,
		filter:          stateFilter(config.EventTypes),
		longPollTimeout: int(longPoll / time.Millisecond),
		backOff:         newBackOff(),
		clock:           streamClock,
		logger:          logger,
	}, nil
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = time.Minute
	return policy
}

// stateFilter builds an inline /sync filter that keeps only state events
// of the given types, both in the state section and in the timeline.
// Presence and account data are excluded.
func stateFilter(eventTypes []ref.EventType) string {
	stateFilter := map[string]any{"lazy_load_members": true}
	timelineFilter := map[string]any{"limit": 50}
	if len(eventTypes) > 0 {
		types := make([]string, len(eventTypes))
		for index, eventType := range eventTypes {
			types[index] = eventType.String()
		}
		stateFilter["types"] = types
		timelineFilter["types"] = types
	}
	top := map[string]any{
		"room": map[string]any{
			"state":        stateFilter,
			"timeline":     timelineFilter,
			"ephemeral":    map[string]any{"types": []string{}},
			"account_data": map[string]any{"types": []string{}},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}

// Position returns the next_batch token of the last successful sync.
// Only valid while Run is not executing.
func (s *StateStream) Position() string {
	return s.nextBatch
}

// Run syncs until ctx ends or a permanent error occurs, calling handle
// for every state event in delivery order. handle runs on Run's
// goroutine and must not block for long: the next /sync waits for it.
//
// Run returns ctx.Err() on cancellation.
func (s *StateStream) Run(ctx context.Context, handle func(StateChange)) error {
	for {
		initial := s.nextBatch == ""
		options := SyncOptions{
			Since:      s.nextBatch,
			Filter:     s.filter,
			SetTimeout: true,
		}
		if !initial {
			options.Timeout = s.longPollTimeout
		}

		response, err := s.session.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsPermanent(err) {
				return fmt.Errorf("messaging: state stream for %s stopped: %w", s.session.UserID(), err)
			}
			delay := s.backOff.NextBackOff()
			if delay == backoff.Stop {
				return fmt.Errorf("messaging: state stream for %s gave up: %w", s.session.UserID(), err)
			}
			s.logger.Warn("sync failed, retrying",
				"user_id", s.session.UserID(),
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(delay):
			}
			continue
		}
		s.backOff.Reset()
		s.nextBatch = response.NextBatch

		for roomID, joined := range response.Rooms.Join {
			s.deliver(roomID, joined.State.Events, initial, handle)
			s.deliver(roomID, joined.Timeline.Events, initial, handle)
		}
	}
}

func (s *StateStream) deliver(roomID ref.RoomID, events []Event, initial bool, handle func(StateChange)) {
	for _, event := range events {
		if !event.IsState() {
			continue
		}
		if event.RoomID.IsZero() {
			event.RoomID = roomID
		}
		handle(StateChange{RoomID: roomID, Event: event, Initial: initial})
	}
}
