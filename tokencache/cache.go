// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/lib/secret"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/widget"
)

// ErrEvicted is wrapped in the error returned to callers waiting on a
// fetch whose session was evicted before the fetch completed.
var ErrEvicted = errors.New("tokencache: session evicted during token fetch")

// Exchanger turns a session's Matrix credentials into an
// integration-manager token.
type Exchanger interface {
	ExchangeToken(ctx context.Context, session messaging.Session) (string, error)
}

// Validator checks a previously issued token. An Exchanger that also
// implements Validator has persisted tokens checked before reuse.
// valid is false with a nil error when the token was rejected; a
// non-nil error means the check itself failed.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (valid bool, err error)
}

// Store persists tokens across restarts, keyed by user ID.
type Store interface {
	Load(ctx context.Context, userID ref.UserID) (token string, found bool, err error)
	Save(ctx context.Context, userID ref.UserID, token string) error
	DeleteUser(ctx context.Context, userID ref.UserID) error
}

// Config configures a Cache.
type Config struct {
	// Exchanger performs the credential exchange. Required.
	Exchanger Exchanger

	// Store, when set, is consulted before exchanging and receives
	// every newly exchanged token.
	Store Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Cache maps session IDs to integration-manager tokens.
type Cache struct {
	exchanger Exchanger
	validator Validator
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics

	// protect copies a fetched token into locked memory.
	protect func(string) (*secret.Buffer, error)

	group singleflight.Group

	mu             sync.Mutex
	entries        map[ref.SessionID]*entry
	nextGeneration uint64

	// storeMu orders persisted writes after eviction checks, so a fetch
	// finishing during DeleteUser cannot write the user's token back.
	storeMu sync.Mutex
}

// entry is one session's slot. A fresh entry (new generation, new fetch
// context) replaces an evicted one; results carrying an old generation
// are discarded.
type entry struct {
	userID      ref.UserID
	generation  uint64
	token       *secret.Buffer
	fetchedAt   time.Time
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
}

// New creates a Cache.
func New(config Config) (*Cache, error) {
	if config.Exchanger == nil {
		return nil, fmt.Errorf("tokencache: Exchanger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	validator, _ := config.Exchanger.(Validator)
	return &Cache{
		exchanger: config.Exchanger,
		validator: validator,
		store:     config.Store,
		clock:     config.Clock,
		logger:    config.Logger,
		metrics:   config.Metrics,
		protect:   secret.NewFromString,
		entries:   make(map[ref.SessionID]*entry),
	}, nil
}

// GetToken returns the session's token, attaching to a fetch already in
// flight or starting one. When ctx ends first, GetToken returns
// ctx.Err() and the fetch continues for the remaining callers.
//
// A failed fetch is a *widget.Error of kind KindTransport wrapping the
// cause (the exchanger's error, ErrEvicted, or a store failure).
func (c *Cache) GetToken(ctx context.Context, session messaging.Session) (string, error) {
	sessionID := messaging.SessionIDOf(session)

	c.mu.Lock()
	current := c.entryLocked(sessionID)
	if current.token != nil {
		token := current.token.String()
		c.mu.Unlock()
		c.metrics.lookup(true)
		return token, nil
	}
	generation := current.generation
	fetchCtx := current.fetchCtx
	c.mu.Unlock()
	c.metrics.lookup(false)

	key := fmt.Sprintf("%s#%d", sessionID, generation)
	results := c.group.DoChan(key, func() (any, error) {
		return c.fetch(fetchCtx, session, sessionID, generation)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return "", &widget.Error{Kind: widget.KindTransport, Op: "get integration token", Err: result.Err}
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CurrentToken returns the cached token without blocking or I/O.
func (c *Cache) CurrentToken(sessionID ref.SessionID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries[sessionID]
	if !ok || current.token == nil {
		return "", false
	}
	return current.token.String(), true
}

// Evict drops the session's token from memory and cancels its in-flight
// fetch. The persisted record is kept.
func (c *Cache) Evict(sessionID ref.SessionID) {
	c.mu.Lock()
	evicted := c.evictLocked(sessionID)
	c.mu.Unlock()
	if evicted {
		c.metrics.evicted(1)
		c.logger.Debug("evicted integration token", "session_id", sessionID)
	}
}

// Invalidate evicts the session's token and deletes the persisted
// record for its user. Call it when the integration manager rejects a
// token.
func (c *Cache) Invalidate(ctx context.Context, sessionID ref.SessionID) error {
	c.Evict(sessionID)
	if err := c.deleteStored(ctx, sessionID.UserID()); err != nil {
		return fmt.Errorf("tokencache: invalidating %s: %w", sessionID, err)
	}
	c.logger.Info("invalidated integration token", "session_id", sessionID)
	return nil
}

// DeleteUser evicts every cached session of userID, cancels their
// fetches, and deletes the user's persisted token. Sessions need not be
// registered anywhere; unknown users succeed.
func (c *Cache) DeleteUser(ctx context.Context, userID ref.UserID) error {
	c.mu.Lock()
	count := 0
	for sessionID, current := range c.entries {
		if current.userID == userID && c.evictLocked(sessionID) {
			count++
		}
	}
	c.mu.Unlock()
	c.metrics.evicted(count)

	if err := c.deleteStored(ctx, userID); err != nil {
		return fmt.Errorf("tokencache: deleting tokens of %s: %w", userID, err)
	}
	c.logger.Info("deleted integration tokens", "user_id", userID, "sessions", count)
	return nil
}

// Close evicts every session, cancelling all in-flight fetches.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sessionID := range c.entries {
		c.evictLocked(sessionID)
	}
}

func (c *Cache) entryLocked(sessionID ref.SessionID) *entry {
	if current, ok := c.entries[sessionID]; ok {
		return current
	}
	c.nextGeneration++
	fetchCtx, cancel := context.WithCancel(context.Background())
	current := &entry{
		userID:      sessionID.UserID(),
		generation:  c.nextGeneration,
		fetchCtx:    fetchCtx,
		cancelFetch: cancel,
	}
	c.entries[sessionID] = current
	return current
}

// evictLocked removes the session's entry. It reports whether an entry
// existed.
func (c *Cache) evictLocked(sessionID ref.SessionID) bool {
	current, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	current.cancelFetch()
	if current.token != nil {
		current.token.Close()
	}
	delete(c.entries, sessionID)
	return true
}

// isCurrentLocked reports whether generation still owns the session.
func (c *Cache) isCurrentLocked(sessionID ref.SessionID, generation uint64) (*entry, bool) {
	current, ok := c.entries[sessionID]
	if !ok || current.generation != generation {
		return nil, false
	}
	return current, true
}

func (c *Cache) fetch(ctx context.Context, session messaging.Session, sessionID ref.SessionID, generation uint64) (any, error) {
	// A previous flight for this generation may have finished between
	// the caller's cache check and this flight starting.
	c.mu.Lock()
	current, ok := c.isCurrentLocked(sessionID, generation)
	if !ok {
		c.mu.Unlock()
		return nil, ErrEvicted
	}
	if current.token != nil {
		token := current.token.String()
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	logger := c.logger.With("session_id", sessionID)
	start := c.clock.Now()

	token, err := c.loadStored(ctx, session.UserID(), logger)
	if err != nil {
		c.metrics.fetched(sourceStore, c.clock.Now().Sub(start), err)
		return nil, fmt.Errorf("tokencache: loading token for %s: %w", sessionID, err)
	}
	source := sourceStore
	if token == "" {
		source = sourceExchange
		token, err = c.exchanger.ExchangeToken(ctx, session)
		if err == nil && token == "" {
			err = errors.New("exchange returned an empty token")
		}
		if err != nil {
			c.metrics.fetched(source, c.clock.Now().Sub(start), err)
			if ctx.Err() != nil {
				return nil, ErrEvicted
			}
			logger.Warn("integration token exchange failed", "error", err)
			return nil, fmt.Errorf("tokencache: exchanging token for %s: %w", sessionID, err)
		}
	}
	c.metrics.fetched(source, c.clock.Now().Sub(start), nil)

	if err := c.install(sessionID, generation, token); err != nil {
		if errors.Is(err, ErrEvicted) {
			logger.Debug("discarding token fetched for evicted session")
		} else {
			logger.Warn("integration token could not be kept", "error", err)
		}
		return nil, err
	}
	logger.Info("integration token ready", "source", source, "token", Fingerprint(token))

	if source == sourceExchange {
		c.saveStored(ctx, sessionID, generation, token, logger)
	}
	return token, nil
}

// loadStored returns the persisted token for userID, or "" when there
// is none or the integration manager rejects it.
func (c *Cache) loadStored(ctx context.Context, userID ref.UserID, logger *slog.Logger) (string, error) {
	if c.store == nil {
		return "", nil
	}
	token, found, err := c.store.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	if c.validator == nil {
		return token, nil
	}
	valid, err := c.validator.ValidateToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("validating stored token: %w", err)
	}
	if valid {
		return token, nil
	}
	logger.Info("stored integration token rejected, exchanging a new one", "token", Fingerprint(token))
	if err := c.deleteStored(ctx, userID); err != nil {
		logger.Warn("deleting rejected token failed", "error", err)
	}
	return "", nil
}

// install caches token for the session unless generation was evicted
// meanwhile (ErrEvicted).
func (c *Cache) install(sessionID ref.SessionID, generation uint64, token string) error {
	buffer, err := c.protect(token)
	if err != nil {
		return fmt.Errorf("tokencache: protecting token for %s in memory: %w", sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.isCurrentLocked(sessionID, generation)
	if !ok {
		buffer.Close()
		return ErrEvicted
	}
	if current.token != nil {
		current.token.Close()
	}
	current.token = buffer
	current.fetchedAt = c.clock.Now()
	return nil
}

func (c *Cache) saveStored(ctx context.Context, sessionID ref.SessionID, generation uint64, token string, logger *slog.Logger) {
	if c.store == nil {
		return
	}
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	_, ok := c.isCurrentLocked(sessionID, generation)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.store.Save(ctx, sessionID.UserID(), token); err != nil {
		logger.Warn("persisting integration token failed", "error", err)
	}
}

func (c *Cache) deleteStored(ctx context.Context, userID ref.UserID) error {
	if c.store == nil {
		return nil
	}
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	return c.store.DeleteUser(ctx, userID)
}

// Fingerprint returns a short BLAKE3 digest of token for log lines.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
