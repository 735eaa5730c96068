// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bureau-foundation/widgets/integrations"
	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/config"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/lib/sealed"
	"github.com/bureau-foundation/widgets/lib/secret"
	"github.com/bureau-foundation/widgets/manager"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/tokencache"
	"github.com/bureau-foundation/widgets/tokenstore"
)

// app is everything a subcommand needs, built from the configuration.
type app struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	tokens   *tokencache.Cache
	manager  *manager.Manager
	sessions []*messaging.DirectSession

	closers []func() error
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newApp loads the configuration and wires the token cache, token
// store, integration client, manager, and every configured session.
// Sessions are logged in but not registered with the manager.
func newApp(ctx context.Context, options *globalOptions) (_ *app, err error) {
	cfg, err := loadConfig(options.configPath)
	if err != nil {
		return nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a := &app{config: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpClient := &http.Client{Timeout: cfg.IntegrationManager.Timeout}
	integrationClient, err := integrations.New(integrations.Config{
		APIURL:     cfg.IntegrationManager.APIURL,
		Whitelist:  cfg.IntegrationManager.Whitelist,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := openTokenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	var tokenStore tokencache.Store
	if store != nil {
		tokenStore = store
		a.closers = append(a.closers, store.Close)
	}

	cacheMetrics, err := tokencache.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	a.tokens, err = tokencache.New(tokencache.Config{
		Exchanger: integrationClient,
		Store:     tokenStore,
		Clock:     clock.Real(),
		Logger:    logger.With("component", "tokencache"),
		Metrics:   cacheMetrics,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.tokens.Close(); return nil })

	managerMetrics, err := manager.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	a.manager, err = manager.New(manager.Config{
		Tokens:       a.tokens,
		Integrations: integrationClient,
		WidgetsURL:   cfg.IntegrationManager.WidgetsURL,
		Clock:        clock.Real(),
		Logger:       logger.With("component", "manager"),
		Metrics:      managerMetrics,
	})
	if err != nil {
		return nil, err
	}
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: cfg.HomeserverURL, Logger: logger})
	if err != nil {
		return nil, err
	}
	for _, sessionConfig := range cfg.Sessions {
		session, err := login(ctx, client, sessionConfig)
		if err != nil {
			return nil, err
		}
		a.sessions = append(a.sessions, session)
		a.closers = append(a.closers, session.Close)
	}
	// Closers run newest first: observation loops stop before the
	// sessions they use are closed.
	a.closers = append(a.closers, func() error { a.manager.Close(); return nil })
	return a, nil
}

func openTokenStore(cfg *config.Config, logger *slog.Logger) (*tokenstore.Store, error) {
	if cfg.State.TokenDB == "" {
		return nil, nil
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}
	var identity *secret.Buffer
	if cfg.State.IdentityFile != "" {
		var err error
		identity, err = secret.ReadFile(cfg.State.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("reading identity: %w", err)
		}
		defer identity.Close()
	}
	sealer, err := sealed.NewSealer([]string{cfg.State.Recipient}, identity)
	if err != nil {
		return nil, err
	}
	return tokenstore.Open(tokenstore.Config{
		Path:   cfg.State.TokenDB,
		Sealer: sealer,
		Logger: logger.With("component", "tokenstore"),
	})
}

func login(ctx context.Context, client *messaging.Client, sessionConfig config.SessionConfig) (*messaging.DirectSession, error) {
	userID, err := ref.ParseUserID(sessionConfig.UserID)
	if err != nil {
		return nil, err
	}
	accessToken, err := secret.ReadFile(sessionConfig.AccessTokenFile)
	if err != nil {
		return nil, fmt.Errorf("access token of %s: %w", userID, err)
	}
	session, err := client.SessionFromToken(userID, sessionConfig.DeviceID, accessToken)
	if err != nil {
		accessToken.Close()
		return nil, err
	}
	if _, err := session.WhoAmI(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("checking access token of %s: %w", userID, err)
	}
	return session, nil
}

// session picks the session named by --session, or the only one.
func (a *app) session(selector string) (*messaging.DirectSession, error) {
	if selector == "" {
		if len(a.sessions) != 1 {
			return nil, fmt.Errorf("%d sessions configured; choose one with --session", len(a.sessions))
		}
		return a.sessions[0], nil
	}
	for _, session := range a.sessions {
		sessionID := messaging.SessionIDOf(session)
		if selector == sessionID.String() || (!strings.Contains(selector, "|") && selector == session.UserID().String()) {
			return session, nil
		}
	}
	return nil, fmt.Errorf("no configured session matches %q", selector)
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
