// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	prometheustest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/lib/testutil"
	"github.com/bureau-foundation/widgets/lib/secret"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/widget"
)

var (
	alice = ref.MustParseUserID("@alice:example.org")
	bob   = ref.MustParseUserID("@bob:example.org")
)

type fakeSession struct {
	messaging.Session
	userID   ref.UserID
	deviceID string
}

func (s fakeSession) UserID() ref.UserID { return s.userID }
func (s fakeSession) DeviceID() string   { return s.deviceID }

func session(userID ref.UserID, deviceID string) fakeSession {
	return fakeSession{userID: userID, deviceID: deviceID}
}

// fakeExchanger counts calls and delegates to exchange.
type fakeExchanger struct {
	calls    atomic.Int32
	exchange func(ctx context.Context, call int32) (string, error)
}

func (e *fakeExchanger) ExchangeToken(ctx context.Context, _ messaging.Session) (string, error) {
	return e.exchange(ctx, e.calls.Add(1))
}

type validatingExchanger struct {
	*fakeExchanger
	valid map[string]bool
}

func (e validatingExchanger) ValidateToken(_ context.Context, token string) (bool, error) {
	return e.valid[token], nil
}

type memoryStore struct {
	mu      sync.Mutex
	tokens  map[ref.UserID]string
	deletes int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tokens: make(map[ref.UserID]string)}
}

func (s *memoryStore) Load(_ context.Context, userID ref.UserID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	return token, ok, nil
}

func (s *memoryStore) Save(_ context.Context, userID ref.UserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
	return nil
}

func (s *memoryStore) DeleteUser(_ context.Context, userID ref.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	s.deletes++
	return nil
}

func (s *memoryStore) get(userID ref.UserID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	return token, ok
}

func newCache(t *testing.T, config Config) *Cache {
	t.Helper()
	cache, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func TestNewRequiresExchanger(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without Exchanger succeeded")
	}
}

func TestConcurrentCallsShareOneExchange(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		started <- struct{}{}
		<-release
		return "scalar-token", nil
	}}
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cache := newCache(t, Config{Exchanger: exchanger, Metrics: metrics})
	sess := session(alice, "DEV")

	const callers = 8
	results := make(chan string, callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			token, err := cache.GetToken(context.Background(), sess)
			if err != nil {
				errs <- err
				return
			}
			results <- token
		}()
	}

	testutil.RequireReceive(t, started, 5*time.Second, "exchange start")
	if _, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); ok {
		t.Fatal("CurrentToken reported a token before the exchange finished")
	}
	close(release)

	for range callers {
		select {
		case token := <-results:
			if token != "scalar-token" {
				t.Errorf("token = %q", token)
			}
		case err := <-errs:
			t.Fatalf("GetToken: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for callers")
		}
	}
	if calls := exchanger.calls.Load(); calls != 1 {
		t.Errorf("exchanges = %d, want 1", calls)
	}
	if token, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); !ok || token != "scalar-token" {
		t.Errorf("CurrentToken = %q, %v", token, ok)
	}
	if got := prometheustest.ToFloat64(metrics.fetches.WithLabelValues(sourceExchange, "ok")); got != 1 {
		t.Errorf("fetches_total{exchange,ok} = %v, want 1", got)
	}
}

func TestFailureIsNotCached(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		if call == 1 {
			return "", errors.New("integration manager unavailable")
		}
		return "second", nil
	}}
	cache := newCache(t, Config{Exchanger: exchanger})
	sess := session(alice, "DEV")

	_, err := cache.GetToken(context.Background(), sess)
	if err == nil {
		t.Fatal("first GetToken succeeded")
	}
	if !widget.IsKind(err, widget.KindTransport) {
		t.Errorf("failure kind: %v, want transport failure", err)
	}
	if _, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); ok {
		t.Fatal("failure left a cached token")
	}
	token, err := cache.GetToken(context.Background(), sess)
	if err != nil || token != "second" {
		t.Fatalf("second GetToken = %q, %v", token, err)
	}
	if calls := exchanger.calls.Load(); calls != 2 {
		t.Errorf("exchanges = %d, want 2", calls)
	}
}

func TestProtectedMemoryFailureIsNotEviction(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		return "token", nil
	}}
	cache := newCache(t, Config{Exchanger: exchanger})
	mlockErr := errors.New("cannot allocate memory")
	cache.protect = func(string) (*secret.Buffer, error) { return nil, mlockErr }
	sess := session(alice, "DEV")

	_, err := cache.GetToken(context.Background(), sess)
	if !errors.Is(err, mlockErr) || errors.Is(err, ErrEvicted) {
		t.Errorf("GetToken error = %v, want the protected memory failure", err)
	}
	if !widget.IsKind(err, widget.KindTransport) {
		t.Errorf("failure kind: %v, want transport failure", err)
	}
	if _, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); ok {
		t.Error("token cached without protected memory")
	}
}

func TestWaiterCancellationDetachesOnlyThatWaiter(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exchangeCtxErr := make(chan error, 1)
	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		started <- struct{}{}
		<-release
		exchangeCtxErr <- ctx.Err()
		return "token", nil
	}}
	cache := newCache(t, Config{Exchanger: exchanger})
	sess := session(alice, "DEV")

	cancelled, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.GetToken(cancelled, sess)
		firstErr <- err
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "exchange start")

	secondToken := make(chan string, 1)
	go func() {
		token, _ := cache.GetToken(context.Background(), sess)
		secondToken <- token
	}()

	cancel()
	if err := testutil.RequireReceive(t, firstErr, 5*time.Second, "cancelled waiter"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled waiter error = %v, want context.Canceled", err)
	}

	close(release)
	if err := testutil.RequireReceive(t, exchangeCtxErr, 5*time.Second, "exchange ctx"); err != nil {
		t.Errorf("shared fetch context was cancelled: %v", err)
	}
	if token := testutil.RequireReceive(t, secondToken, 5*time.Second, "second waiter"); token != "token" {
		t.Errorf("second waiter token = %q", token)
	}
}

func TestEvictCancelsInFlightFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		if call > 1 {
			return "fresh", nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	cache := newCache(t, Config{Exchanger: exchanger})
	sess := session(alice, "DEV")
	sessionID := messaging.SessionIDOf(sess)

	result := make(chan error, 1)
	go func() {
		_, err := cache.GetToken(context.Background(), sess)
		result <- err
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "exchange start")

	cache.Evict(sessionID)
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiter"); !errors.Is(err, ErrEvicted) {
		t.Errorf("waiter error = %v, want ErrEvicted", err)
	}
	if _, ok := cache.CurrentToken(sessionID); ok {
		t.Error("evicted session still has a token")
	}

	// The next call starts a fresh fetch.
	token, err := cache.GetToken(context.Background(), sess)
	if err != nil || token != "fresh" {
		t.Errorf("GetToken after eviction = %q, %v", token, err)
	}
}

func TestLateResultAfterEvictionIsDiscarded(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		started <- struct{}{}
		<-release
		return "late", nil
	}}
	store := newMemoryStore()
	cache := newCache(t, Config{Exchanger: exchanger, Store: store})
	sess := session(alice, "DEV")

	result := make(chan error, 1)
	go func() {
		_, err := cache.GetToken(context.Background(), sess)
		result <- err
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "exchange start")

	if err := cache.DeleteUser(context.Background(), alice); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	close(release)

	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiter"); !errors.Is(err, ErrEvicted) {
		t.Errorf("waiter error = %v, want ErrEvicted", err)
	}
	if _, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); ok {
		t.Error("late token was cached")
	}
	if _, ok := store.get(alice); ok {
		t.Error("late token was persisted after DeleteUser")
	}
}

func TestDeleteUser(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		return "token", nil
	}}
	store := newMemoryStore()
	cache := newCache(t, Config{Exchanger: exchanger, Store: store})

	aliceDesktop := session(alice, "DESKTOP")
	alicePhone := session(alice, "PHONE")
	bobDevice := session(bob, "DEV")
	for _, sess := range []fakeSession{aliceDesktop, alicePhone, bobDevice} {
		if _, err := cache.GetToken(context.Background(), sess); err != nil {
			t.Fatalf("GetToken(%s): %v", messaging.SessionIDOf(sess), err)
		}
	}

	if err := cache.DeleteUser(context.Background(), alice); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	for _, sess := range []fakeSession{aliceDesktop, alicePhone} {
		if _, ok := cache.CurrentToken(messaging.SessionIDOf(sess)); ok {
			t.Errorf("%s still cached", messaging.SessionIDOf(sess))
		}
	}
	if _, ok := cache.CurrentToken(messaging.SessionIDOf(bobDevice)); !ok {
		t.Error("bob's token was evicted")
	}
	if _, ok := store.get(alice); ok {
		t.Error("alice's persisted token survived")
	}
	if _, ok := store.get(bob); !ok {
		t.Error("bob's persisted token was deleted")
	}

	// Idempotent, and fine for users the cache never saw.
	if err := cache.DeleteUser(context.Background(), alice); err != nil {
		t.Errorf("second DeleteUser: %v", err)
	}
	stranger := ref.MustParseUserID("@stranger:example.org")
	store.Save(context.Background(), stranger, "persisted-only")
	if err := cache.DeleteUser(context.Background(), stranger); err != nil {
		t.Errorf("DeleteUser for unregistered user: %v", err)
	}
	if _, ok := store.get(stranger); ok {
		t.Error("unregistered user's persisted token survived")
	}
}

func TestStoredTokenReused(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		return "exchanged", nil
	}}
	store := newMemoryStore()
	store.Save(context.Background(), alice, "stored")
	cache := newCache(t, Config{
		Exchanger: validatingExchanger{exchanger, map[string]bool{"stored": true}},
		Store:     store,
	})

	token, err := cache.GetToken(context.Background(), session(alice, "DEV"))
	if err != nil || token != "stored" {
		t.Fatalf("GetToken = %q, %v", token, err)
	}
	if calls := exchanger.calls.Load(); calls != 0 {
		t.Errorf("exchanges = %d, want 0", calls)
	}
}

func TestRejectedStoredTokenIsReplaced(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		return "exchanged", nil
	}}
	store := newMemoryStore()
	store.Save(context.Background(), alice, "stale")
	cache := newCache(t, Config{
		Exchanger: validatingExchanger{exchanger, map[string]bool{}},
		Store:     store,
	})

	token, err := cache.GetToken(context.Background(), session(alice, "DEV"))
	if err != nil || token != "exchanged" {
		t.Fatalf("GetToken = %q, %v", token, err)
	}
	if stored, _ := store.get(alice); stored != "exchanged" {
		t.Errorf("persisted token = %q, want exchanged", stored)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{exchange: func(ctx context.Context, call int32) (string, error) {
		if call == 1 {
			return "first", nil
		}
		return "second", nil
	}}
	store := newMemoryStore()
	cache := newCache(t, Config{Exchanger: exchanger, Store: store})
	sess := session(alice, "DEV")

	if token, _ := cache.GetToken(context.Background(), sess); token != "first" {
		t.Fatalf("first token = %q", token)
	}
	if err := cache.Invalidate(context.Background(), messaging.SessionIDOf(sess)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := store.get(alice); ok {
		t.Error("Invalidate kept the persisted token")
	}
	if token, _ := cache.GetToken(context.Background(), sess); token != "second" {
		t.Errorf("token after Invalidate = %q, want second", token)
	}
}

func TestFingerprintHidesToken(t *testing.T) {
	t.Parallel()
	fingerprint := Fingerprint("super-secret")
	if len(fingerprint) != 12 || fingerprint == Fingerprint("other") {
		t.Errorf("Fingerprint = %q", fingerprint)
	}
}
