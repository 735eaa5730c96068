// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/widget"
)

// EventKind says what happened to a widget.
type EventKind int

const (
	// Updated: the widget was created or its content changed.
	Updated EventKind = iota + 1
	// Removed: a live widget was closed.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a widget change notification. Widget is the zero value for
// Removed events.
type Event struct {
	Kind      EventKind     `json:"kind"`
	SessionID ref.SessionID `json:"session_id"`
	RoomID    ref.RoomID    `json:"room_id"`
	WidgetID  string        `json:"widget_id"`
	Widget    widget.Widget `json:"widget,omitzero"`
}

// bus fans events out to subscriptions.
type bus struct {
	metrics *Metrics

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	closed        bool
}

func newBus(metrics *Metrics) *bus {
	return &bus{metrics: metrics, subscriptions: make(map[*Subscription]struct{})}
}

// publish queues event for every current subscriber. It never blocks.
func (b *bus) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for subscription := range b.subscriptions {
		subscription.enqueue(event)
	}
	b.metrics.published(event.Kind)
}

func (b *bus) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	subscription := &Subscription{
		bus:    b,
		events: make(chan Event, buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		subscription.closeOnce.Do(func() { close(subscription.done) })
		close(subscription.events)
		return subscription
	}
	b.subscriptions[subscription] = struct{}{}
	b.metrics.subscribers(len(b.subscriptions))
	b.mu.Unlock()

	go subscription.pump()
	return subscription
}

func (b *bus) remove(subscription *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, subscription)
	b.metrics.subscribers(len(b.subscriptions))
}

// close ends every subscription. Later publishes are dropped.
func (b *bus) close() {
	b.mu.Lock()
	b.closed = true
	subscriptions := make([]*Subscription, 0, len(b.subscriptions))
	for subscription := range b.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	b.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Close()
	}
}

// Subscription receives bus events in publish order.
type Subscription struct {
	bus    *bus
	events chan Event

	mu    sync.Mutex
	queue []Event

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes. Queued events not yet received are discarded.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the unbounded queue to the channel.
func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- next:
		case <-s.done:
			return
		}
	}
}
