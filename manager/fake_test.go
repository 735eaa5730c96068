// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/tokencache"
	"github.com/bureau-foundation/widgets/widget"
)

var (
	testRoom = ref.MustParseRoomID("!conference:example.org")
	alice    = ref.MustParseUserID("@alice:example.org")
	bob      = ref.MustParseUserID("@bob:example.org")
	epoch    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeHomeserver keeps room state in memory and serves it to every
// fakeSession attached to it. State sent through any session shows up
// in the next /sync of every session.
type fakeHomeserver struct {
	mu          sync.Mutex
	rooms       map[ref.RoomID][]messaging.Event
	pending     map[ref.RoomID][]messaging.Event
	wake        chan struct{}
	sends       int
	nextEventID int

	// readBack, when set, replaces the content GetStateEvent returns.
	readBack json.RawMessage

	// syncs receives the Since value of every Sync call.
	syncs chan string
}

func newHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		rooms:   make(map[ref.RoomID][]messaging.Event),
		pending: make(map[ref.RoomID][]messaging.Event),
		wake:    make(chan struct{}, 1),
		syncs:   make(chan string, 64),
	}
}

// seed appends state to a room without it appearing in /sync.
func (h *fakeHomeserver) seed(roomID ref.RoomID, eventType ref.EventType, stateKey string, sender ref.UserID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[roomID] = append(h.rooms[roomID], h.eventLocked(roomID, eventType, stateKey, sender, json.RawMessage(content)))
}

// push appends state as if another client sent it.
func (h *fakeHomeserver) push(roomID ref.RoomID, stateKey string, sender ref.UserID, content string) {
	h.mu.Lock()
	event := h.eventLocked(roomID, widget.EventType, stateKey, sender, json.RawMessage(content))
	h.rooms[roomID] = append(h.rooms[roomID], event)
	h.pending[roomID] = append(h.pending[roomID], event)
	h.mu.Unlock()
	h.notify()
}

func (h *fakeHomeserver) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *fakeHomeserver) eventLocked(roomID ref.RoomID, eventType ref.EventType, stateKey string, sender ref.UserID, content json.RawMessage) messaging.Event {
	h.nextEventID++
	eventID, _ := ref.ParseEventID(fmt.Sprintf("$event%d", h.nextEventID))
	return messaging.Event{
		EventID:  eventID,
		Type:     eventType,
		Sender:   sender,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  content,
	}
}

func (h *fakeHomeserver) sendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sends
}

func (h *fakeHomeserver) latest(roomID ref.RoomID, eventType ref.EventType, stateKey string) (messaging.Event, bool) {
	events := h.rooms[roomID]
	for index := len(events) - 1; index >= 0; index-- {
		if events[index].Type == eventType && *events[index].StateKey == stateKey {
			return events[index], true
		}
	}
	return messaging.Event{}, false
}

type fakeSession struct {
	messaging.Session
	homeserver *fakeHomeserver
	userID     ref.UserID
	deviceID   string
}

func (h *fakeHomeserver) session(userID ref.UserID, deviceID string) *fakeSession {
	return &fakeSession{homeserver: h, userID: userID, deviceID: deviceID}
}

func (s *fakeSession) UserID() ref.UserID { return s.userID }
func (s *fakeSession) DeviceID() string   { return s.deviceID }

func (s *fakeSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, error) {
	s.homeserver.mu.Lock()
	defer s.homeserver.mu.Unlock()
	events, ok := s.homeserver.rooms[roomID]
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: http.StatusNotFound, Message: "unknown room"}
	}
	return append([]messaging.Event(nil), events...), nil
}

func (s *fakeSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	s.homeserver.mu.Lock()
	defer s.homeserver.mu.Unlock()
	if eventType == widget.EventType && s.homeserver.readBack != nil {
		return s.homeserver.readBack, nil
	}
	event, ok := s.homeserver.latest(roomID, eventType, stateKey)
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: http.StatusNotFound, Message: "no state"}
	}
	return event.Content, nil
}

func (s *fakeSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, err
	}
	s.homeserver.mu.Lock()
	s.homeserver.sends++
	event := s.homeserver.eventLocked(roomID, eventType, stateKey, s.userID, data)
	s.homeserver.rooms[roomID] = append(s.homeserver.rooms[roomID], event)
	s.homeserver.pending[roomID] = append(s.homeserver.pending[roomID], event)
	s.homeserver.mu.Unlock()
	s.homeserver.notify()
	return event.EventID, nil
}

// Sync returns every widget event on the initial sync and pending
// events afterwards, blocking until there are some.
func (s *fakeSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.homeserver.syncs <- options.Since
	h := s.homeserver
	if options.Since == "" {
		h.mu.Lock()
		defer h.mu.Unlock()
		response := &messaging.SyncResponse{NextBatch: "s1", Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{}}}
		for roomID, events := range h.rooms {
			var state []messaging.Event
			for _, event := range events {
				if event.Type == widget.EventType {
					state = append(state, event)
				}
			}
			response.Rooms.Join[roomID] = messaging.JoinedRoom{State: messaging.StateSection{Events: state}}
		}
		clear(h.pending)
		return response, nil
	}
	for {
		h.mu.Lock()
		if len(h.pending) > 0 {
			response := &messaging.SyncResponse{NextBatch: options.Since + "+", Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{}}}
			for roomID, events := range h.pending {
				response.Rooms.Join[roomID] = messaging.JoinedRoom{Timeline: messaging.TimelineSection{Events: events}}
			}
			clear(h.pending)
			h.mu.Unlock()
			return response, nil
		}
		h.mu.Unlock()
		select {
		case <-h.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type staticExchanger struct{}

func (staticExchanger) ExchangeToken(context.Context, messaging.Session) (string, error) {
	return "scalar-token", nil
}

func newManager(t *testing.T, configure ...func(*Config)) (*Manager, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	tokens, err := tokencache.New(tokencache.Config{Exchanger: staticExchanger{}, Clock: fakeClock})
	if err != nil {
		t.Fatalf("tokencache.New: %v", err)
	}
	t.Cleanup(tokens.Close)
	config := Config{
		Tokens:     tokens,
		WidgetsURL: "https://scalar.example/api",
		Clock:      fakeClock,
	}
	for _, apply := range configure {
		apply(&config)
	}
	manager, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, fakeClock
}

// roomWithPower seeds a room created by alice where widgets need 50 and
// only alice has it.
func roomWithPower(h *fakeHomeserver) {
	h.seed(testRoom, messaging.EventTypeCreate, "", alice, `{"creator":"@alice:example.org"}`)
	h.seed(testRoom, messaging.EventTypePowerLevels, "", alice, `{"users":{"@alice:example.org":100},"state_default":50}`)
}
