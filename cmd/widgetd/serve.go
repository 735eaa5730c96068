// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/widgets/integrations"
	"github.com/bureau-foundation/widgets/lib/netutil"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/manager"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/widget"
)

// maxContentSize bounds a widget content request body.
const maxContentSize = 64 << 10

func runServe(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	var listen string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "", "override the configured listen address")
	if _, err := parseFlags(flagSet, options, args, 0); err != nil {
		return err
	}

	a, err := newApp(ctx, options)
	if err != nil {
		return err
	}
	defer a.Close()
	if listen == "" {
		listen = a.config.Listen
	}

	for _, session := range a.sessions {
		if err := a.manager.AddSession(ctx, session); err != nil {
			return err
		}
	}

	handler := newAPI(a.manager, a.registry, a.logger).routes()
	server := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	a.logger.Info("widgetd serving",
		"listen", listener.Addr().String(),
		"environment", a.config.Environment,
		"sessions", len(a.sessions),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// api is the local HTTP surface over a Manager.
type api struct {
	manager  *manager.Manager
	registry *prometheus.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newAPI(m *manager.Manager, registry *prometheus.Registry, logger *slog.Logger) *api {
	return &api{
		manager:  m,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 16 << 10,
		},
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/rooms/{room}/widgets", a.handleList)
	mux.HandleFunc("POST /v1/rooms/{room}/widgets/{id}", a.handleCreate)
	mux.HandleFunc("DELETE /v1/rooms/{room}/widgets/{id}", a.handleClose)
	mux.HandleFunc("GET /v1/rooms/{room}/widgets/{id}/url", a.handleURL)
	mux.HandleFunc("POST /v1/rooms/{room}/jitsi", a.handleJitsi)
	mux.HandleFunc("DELETE /v1/token", a.handleInvalidateToken)
	mux.HandleFunc("DELETE /v1/users/{user}", a.handleForget)
	mux.HandleFunc("GET /v1/events", a.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps widget error kinds onto HTTP statuses.
func statusFor(err error) int {
	kind, ok := widget.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case widget.KindNotEnoughPower:
		return http.StatusForbidden
	case widget.KindInvalidContent:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (a *api) fail(w http.ResponseWriter, status int, err error) {
	response := errorResponse{Error: err.Error()}
	if kind, ok := widget.KindOf(err); ok {
		response.Kind = kind.String()
	}
	if status >= 500 {
		a.logger.Warn("request failed", "status", status, "error", err)
	}
	netutil.WriteJSON(w, status, response)
}

// target resolves the session (?session=) and room of a request.
func (a *api) target(w http.ResponseWriter, r *http.Request) (messaging.Session, ref.RoomID, bool) {
	session, ok := a.sessionFor(w, r)
	if !ok {
		return nil, ref.RoomID{}, false
	}
	roomID, err := ref.ParseRoomID(r.PathValue("room"))
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return nil, ref.RoomID{}, false
	}
	return session, roomID, true
}

func (a *api) sessionFor(w http.ResponseWriter, r *http.Request) (messaging.Session, bool) {
	selector := r.URL.Query().Get("session")
	if selector == "" {
		sessions := a.manager.Sessions()
		if len(sessions) != 1 {
			a.fail(w, http.StatusBadRequest, errors.New("several sessions are registered; pass ?session=USER_ID|DEVICE_ID"))
			return nil, false
		}
		session, _ := a.manager.Session(sessions[0])
		return session, true
	}
	sessionID, err := ref.ParseSessionID(selector)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return nil, false
	}
	session, ok := a.manager.Session(sessionID)
	if !ok {
		a.fail(w, http.StatusNotFound, errors.New("session "+sessionID.String()+" is not registered"))
		return nil, false
	}
	return session, true
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	netutil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": a.manager.Sessions()})
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	session, roomID, ok := a.target(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	widgets, err := a.manager.Widgets(r.Context(), session, roomID, query["type"], query["not_type"])
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	if widgets == nil {
		widgets = []widget.Widget{}
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]any{"widgets": widgets})
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	session, roomID, ok := a.target(w, r)
	if !ok {
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxContentSize))
	if err != nil {
		a.fail(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	created, err := a.manager.CreateWidget(r.Context(), session, roomID, r.PathValue("id"), json.RawMessage(content))
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, created)
}

func (a *api) handleJitsi(w http.ResponseWriter, r *http.Request) {
	session, roomID, ok := a.target(w, r)
	if !ok {
		return
	}
	video := false
	if raw := r.URL.Query().Get("video"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			a.fail(w, http.StatusBadRequest, err)
			return
		}
		video = parsed
	}
	created, err := a.manager.CreateJitsiWidget(r.Context(), session, roomID, video)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, created)
}

func (a *api) handleClose(w http.ResponseWriter, r *http.Request) {
	session, roomID, ok := a.target(w, r)
	if !ok {
		return
	}
	if err := a.manager.CloseWidget(r.Context(), session, roomID, r.PathValue("id")); err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleURL(w http.ResponseWriter, r *http.Request) {
	session, roomID, ok := a.target(w, r)
	if !ok {
		return
	}
	widgetID := r.PathValue("id")
	widgets, err := a.manager.Widgets(r.Context(), session, roomID, nil, nil)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	for _, candidate := range widgets {
		if candidate.ID() != widgetID {
			continue
		}
		resolved, err := a.manager.WidgetURL(r.Context(), session, candidate)
		if err != nil {
			status := statusFor(err)
			if integrations.IsInvalidToken(err) {
				status = http.StatusUnauthorized
			}
			a.fail(w, status, err)
			return
		}
		netutil.WriteJSON(w, http.StatusOK, map[string]string{"url": resolved})
		return
	}
	a.fail(w, http.StatusNotFound, errors.New("no live widget "+strconv.Quote(widgetID)))
}

func (a *api) handleInvalidateToken(w http.ResponseWriter, r *http.Request) {
	session, ok := a.sessionFor(w, r)
	if !ok {
		return
	}
	if err := a.manager.InvalidateToken(r.Context(), messaging.SessionIDOf(session)); err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleForget(w http.ResponseWriter, r *http.Request) {
	userID, err := ref.ParseUserID(r.PathValue("user"))
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := a.manager.DeleteDataForUser(r.Context(), userID); err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams bus events as JSON text frames until the client
// goes away or the server shuts down.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subscription := a.manager.Subscribe(16)
	defer subscription.Close()

	// The client sends nothing; reading only surfaces its close.
	clientGone := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				clientGone <- err
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					a.logger.Warn("event stream write failed", "error", err)
				}
				return
			}
		case err := <-clientGone:
			if !netutil.IsExpectedCloseError(err) {
				a.logger.Debug("event stream client error", "error", err)
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}
