// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/widgets/integrations"
	"github.com/bureau-foundation/widgets/lib/testutil"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/tokencache"
	"github.com/bureau-foundation/widgets/widget"
)

const customWidget = `{"type":"custom","url":"https://example.org/w?user=$matrix_user_id","name":"Board","data":{"k":"v"}}`

func TestCreateWidget(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	manager, _ := newManager(t)
	subscription := manager.Subscribe(0)
	session := homeserver.session(alice, "DEV")

	created, err := manager.CreateWidget(context.Background(), session, testRoom, "board", json.RawMessage(customWidget))
	if err != nil {
		t.Fatalf("CreateWidget: %v", err)
	}
	if created.ID() != "board" || created.Type() != "custom" || created.Name() != "Board" {
		t.Errorf("created = %s/%s/%s", created.ID(), created.Type(), created.Name())
	}
	if created.Creator() != alice || created.RoomID() != testRoom || created.EventID().IsZero() {
		t.Errorf("provenance = %s %s %s", created.Creator(), created.RoomID(), created.EventID())
	}

	event := testutil.RequireReceive(t, subscription.Events(), 5*time.Second, "Updated event")
	if event.Kind != Updated || event.WidgetID != "board" || event.Widget.URL() != created.URL() {
		t.Errorf("event = %+v", event)
	}

	widgets, err := manager.Widgets(context.Background(), session, testRoom, nil, nil)
	if err != nil || len(widgets) != 1 || widgets[0].ID() != "board" {
		t.Errorf("Widgets = %v, %v", widgets, err)
	}
}

func TestCreateWidgetNotEnoughPower(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	manager, _ := newManager(t)
	subscription := manager.Subscribe(0)

	_, err := manager.CreateWidget(context.Background(), homeserver.session(bob, "DEV"), testRoom, "board", json.RawMessage(customWidget))
	if !widget.IsKind(err, widget.KindNotEnoughPower) {
		t.Fatalf("error = %v, want NotEnoughPower", err)
	}
	if sends := homeserver.sendCount(); sends != 0 {
		t.Errorf("state events sent = %d, want 0", sends)
	}
	testutil.RequireNoReceive(t, subscription.Events(), 50*time.Millisecond, "event after refused create")

	err = manager.CloseWidget(context.Background(), homeserver.session(bob, "DEV"), testRoom, "board")
	if !widget.IsKind(err, widget.KindNotEnoughPower) || homeserver.sendCount() != 0 {
		t.Errorf("CloseWidget by bob = %v, sends %d", err, homeserver.sendCount())
	}
}

func TestCreateWidgetInvalidContent(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	manager, _ := newManager(t)
	session := homeserver.session(alice, "DEV")

	for _, content := range []string{`{}`, `{"type":"custom"}`, `{"type":"x","url":"file:///etc/passwd"}`, `nope`} {
		_, err := manager.CreateWidget(context.Background(), session, testRoom, "w", json.RawMessage(content))
		if !widget.IsKind(err, widget.KindInvalidContent) {
			t.Errorf("content %s: error = %v, want InvalidContent", content, err)
		}
	}
	if _, err := manager.CreateWidget(context.Background(), session, testRoom, "", json.RawMessage(customWidget)); !widget.IsKind(err, widget.KindInvalidContent) {
		t.Errorf("empty widget ID: error = %v", err)
	}
	if sends := homeserver.sendCount(); sends != 0 {
		t.Errorf("state events sent = %d, want 0", sends)
	}
}

func TestCreateWidgetTransportFailure(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	manager, _ := newManager(t)

	// The room does not exist on the homeserver.
	_, err := manager.CreateWidget(context.Background(), homeserver.session(alice, "DEV"), testRoom, "w", json.RawMessage(customWidget))
	if !widget.IsKind(err, widget.KindTransport) {
		t.Fatalf("error = %v, want Transport", err)
	}
	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.Code != messaging.ErrCodeNotFound {
		t.Errorf("homeserver error not preserved: %v", err)
	}
}

func TestCreateWidgetReadBackNotLive(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	homeserver.readBack = json.RawMessage(`{}`)
	manager, _ := newManager(t)
	subscription := manager.Subscribe(0)

	_, err := manager.CreateWidget(context.Background(), homeserver.session(alice, "DEV"), testRoom, "w", json.RawMessage(customWidget))
	if !widget.IsKind(err, widget.KindCreationFailed) {
		t.Fatalf("error = %v, want CreationFailed", err)
	}
	testutil.RequireNoReceive(t, subscription.Events(), 50*time.Millisecond, "event after failed create")
}

func TestCreateJitsiWidget(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	manager, _ := newManager(t)
	session := homeserver.session(alice, "DEV")

	// The fake clock does not advance, so both widgets are created in
	// the same millisecond.
	ids := make(map[string]bool)
	for _, video := range []bool{true, false} {
		created, err := manager.CreateJitsiWidget(context.Background(), session, testRoom, video)
		if err != nil {
			t.Fatalf("video=%v: CreateJitsiWidget: %v", video, err)
		}
		ids[created.ID()] = true
		if !strings.HasPrefix(created.ID(), "jitsi_@alice:example.org_1772366400000_") {
			t.Errorf("ID = %q", created.ID())
		}
		if created.Type() != widget.TypeJitsi {
			t.Errorf("Type = %q", created.Type())
		}
		data := created.Data()
		if data["isAudioConf"] != !video {
			t.Errorf("video=%v: isAudioConf = %v", video, data["isAudioConf"])
		}
		conferenceID, _ := data["conferenceId"].(string)
		if !strings.HasPrefix(conferenceID, "conference") || len(conferenceID) != len("conference")+7 {
			t.Errorf("conferenceId = %q", conferenceID)
		}
		if !strings.HasSuffix(created.ID(), "_"+data["widgetSessionId"].(string)) {
			t.Errorf("ID %q does not end with the widget session ID %v", created.ID(), data["widgetSessionId"])
		}
		parsed, err := url.Parse(created.URL())
		if err != nil {
			t.Fatalf("URL: %v", err)
		}
		if parsed.Query().Get("confId") != conferenceID {
			t.Errorf("URL confId = %q, want %q", parsed.Query().Get("confId"), conferenceID)
		}
	}
	if len(ids) != 2 {
		t.Fatalf("two creates in one millisecond produced IDs %v", ids)
	}

	live, err := manager.Widgets(context.Background(), session, testRoom, []string{widget.TypeJitsi}, nil)
	if err != nil {
		t.Fatalf("Widgets: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("live jitsi widgets = %d, want 2", len(live))
	}
}

func TestCloseWidget(t *testing.T) {
	t.Parallel()
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	homeserver.seed(testRoom, widget.EventType, "board", alice, customWidget)
	manager, _ := newManager(t)
	subscription := manager.Subscribe(0)
	session := homeserver.session(alice, "DEV")

	if err := manager.CloseWidget(context.Background(), session, testRoom, "board"); err != nil {
		t.Fatalf("CloseWidget: %v", err)
	}
	event := testutil.RequireReceive(t, subscription.Events(), 5*time.Second, "Removed event")
	if event.Kind != Removed || event.WidgetID != "board" || !event.Widget.IsZero() {
		t.Errorf("event = %+v", event)
	}
	if widgets, _ := manager.Widgets(context.Background(), session, testRoom, nil, nil); len(widgets) != 0 {
		t.Errorf("widget still live after close: %v", widgets)
	}

	// Closing again, or closing an ID that never existed, succeeds
	// quietly.
	for _, widgetID := range []string{"board", "never-existed"} {
		if err := manager.CloseWidget(context.Background(), session, testRoom, widgetID); err != nil {
			t.Errorf("CloseWidget(%q): %v", widgetID, err)
		}
	}
	testutil.RequireNoReceive(t, subscription.Events(), 50*time.Millisecond, "event for absent widget")
}

func TestWidgetURL(t *testing.T) {
	t.Parallel()
	client, err := integrations.New(integrations.Config{APIURL: "https://scalar.example/api"})
	if err != nil {
		t.Fatalf("integrations.New: %v", err)
	}
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	homeserver.seed(testRoom, messaging.EventTypeMember, alice.String(), alice, `{"membership":"join","displayname":"Alice A"}`)
	manager, _ := newManager(t, func(config *Config) { config.Integrations = client })
	session := homeserver.session(alice, "DEV")

	jitsi, err := manager.CreateJitsiWidget(context.Background(), session, testRoom, true)
	if err != nil {
		t.Fatalf("CreateJitsiWidget: %v", err)
	}
	authorized, err := manager.WidgetURL(context.Background(), session, jitsi)
	if err != nil {
		t.Fatalf("WidgetURL: %v", err)
	}
	parsed, _ := url.Parse(authorized)
	query := parsed.Query()
	if query.Get("scalar_token") != "scalar-token" || query.Get("displayName") != "Alice A" || query.Get("email") != alice.String() {
		t.Errorf("authorized URL = %s", authorized)
	}

	custom, err := manager.CreateWidget(context.Background(), session, testRoom, "board", json.RawMessage(customWidget))
	if err != nil {
		t.Fatalf("CreateWidget: %v", err)
	}
	plain, err := manager.WidgetURL(context.Background(), session, custom)
	if err != nil {
		t.Fatalf("WidgetURL: %v", err)
	}
	if plain != "https://example.org/w?user=%40alice%3Aexample.org" {
		t.Errorf("non-whitelisted URL = %s", plain)
	}

	if err := manager.InvalidateToken(context.Background(), messaging.SessionIDOf(session)); err != nil {
		t.Errorf("InvalidateToken: %v", err)
	}
}

type failingExchanger struct{ err error }

func (e failingExchanger) ExchangeToken(context.Context, messaging.Session) (string, error) {
	return "", e.err
}

func TestWidgetURLTokenFailureIsTransport(t *testing.T) {
	t.Parallel()
	client, err := integrations.New(integrations.Config{APIURL: "https://scalar.example/api"})
	if err != nil {
		t.Fatalf("integrations.New: %v", err)
	}
	rejected := &integrations.APIError{Op: "register", StatusCode: 503}
	tokens, err := tokencache.New(tokencache.Config{Exchanger: failingExchanger{err: rejected}})
	if err != nil {
		t.Fatalf("tokencache.New: %v", err)
	}
	t.Cleanup(tokens.Close)
	homeserver := newHomeserver()
	roomWithPower(homeserver)
	manager, _ := newManager(t, func(config *Config) {
		config.Integrations = client
		config.Tokens = tokens
	})
	session := homeserver.session(alice, "DEV")

	jitsi, err := manager.CreateJitsiWidget(context.Background(), session, testRoom, false)
	if err != nil {
		t.Fatalf("CreateJitsiWidget: %v", err)
	}
	_, err = manager.WidgetURL(context.Background(), session, jitsi)
	if !widget.IsKind(err, widget.KindTransport) {
		t.Fatalf("WidgetURL error = %v, want transport failure", err)
	}
	var apiErr *integrations.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("integration manager error not reachable through %v", err)
	}
}
