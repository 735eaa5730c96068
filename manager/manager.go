// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/bureau-foundation/widgets/integrations"
	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/tokencache"
	"github.com/bureau-foundation/widgets/widget"
)

// Config configures a Manager.
type Config struct {
	// Tokens caches integration-manager tokens. Required.
	Tokens *tokencache.Cache

	// Integrations decides which widget URLs receive a token. When nil,
	// WidgetURL only expands placeholders.
	Integrations *integrations.Client

	// WidgetsURL is the integration manager's widget host, used for
	// Jitsi widget URLs.
	WidgetsURL string

	// NewBackOff overrides the retry policy of observation loops.
	NewBackOff func() backoff.BackOff

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Manager coordinates sessions, widget operations, and notifications.
// Safe for concurrent use.
type Manager struct {
	tokens       *tokencache.Cache
	integrations *integrations.Client
	widgetsURL   string
	newBackOff   func() backoff.BackOff
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics
	bus          *bus

	mu       sync.Mutex
	sessions map[ref.SessionID]*sessionEntry
	// known is keyed by session, whether or not the session is still
	// registered, so DeleteDataForUser reaches removed sessions too.
	known map[widgetKey]knownWidget
}

type widgetKey struct {
	sessionID ref.SessionID
	roomID    ref.RoomID
	widgetID  string
}

// knownWidget is the last content recorded for a widgetKey.
type knownWidget struct {
	fingerprint widget.Fingerprint
	live        bool
}

// New creates a Manager.
func New(config Config) (*Manager, error) {
	if config.Tokens == nil {
		return nil, fmt.Errorf("manager: Tokens is required")
	}
	if config.WidgetsURL == "" {
		return nil, fmt.Errorf("manager: WidgetsURL is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		tokens:       config.Tokens,
		integrations: config.Integrations,
		widgetsURL:   config.WidgetsURL,
		newBackOff:   config.NewBackOff,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		bus:          newBus(config.Metrics),
		sessions:     make(map[ref.SessionID]*sessionEntry),
		known:        make(map[widgetKey]knownWidget),
	}, nil
}

// Subscribe returns a subscription to widget change events. buffer
// sizes the delivery channel; the queue behind it is unbounded either
// way.
func (m *Manager) Subscribe(buffer int) *Subscription {
	return m.bus.subscribe(buffer)
}

// Close stops every observation loop and ends every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, entry := range m.sessions {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		m.RemoveSession(entry.id)
	}
	m.bus.close()
}

// record stores content as the latest known state of key and returns
// what it replaced.
func (m *Manager) record(key widgetKey, content json.RawMessage, live bool) (previous knownWidget, seen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, seen = m.known[key]
	m.known[key] = knownWidget{fingerprint: widget.FingerprintOf(content), live: live}
	return previous, seen
}

// forgetLocked drops recorded widget state of every session matching.
func (m *Manager) forgetLocked(matching func(ref.SessionID) bool) {
	for key := range m.known {
		if matching(key.sessionID) {
			delete(m.known, key)
		}
	}
}
