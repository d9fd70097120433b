// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/websocket"
)

type wsEnv struct {
	server *httptest.Server
	hub    *websocket.Hub
	jwt    *auth.JWTManager
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	cfg := &config.Config{
		Security: config.SecurityConfig{
			JWTSecret:         strings.Repeat("s", 32),
			SessionTimeout:    time.Hour,
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			CORSOrigins:       []string{"*"},
		},
	}
	manager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.RunWithContext(ctx) }()
	t.Cleanup(cancel)

	handler := NewHandler(&fakeIngest{}, &fakePairer{}, newFakeDir(), hub, manager, cfg)
	srv := httptest.NewServer(NewRouter(handler).Setup())
	t.Cleanup(srv.Close)

	return &wsEnv{server: srv, hub: hub, jwt: manager}
}

func (e *wsEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func waitForCond(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeviceChannelReceivesNotify(t *testing.T) {
	t.Parallel()

	env := newWSEnv(t)

	conn, resp, err := gorilla.DefaultDialer.Dial(env.wsURL("/ws?stateToken=tok-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	waitForCond(t, func() bool { return env.hub.DeviceChannelCount() == 1 }, "device channel registration")

	env.hub.Notify("tok-1", websocket.Message{
		Status:     websocket.StatusAuthSuccess,
		AuthResult: websocket.AuthResult{AuthToken: "tok.abc"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg websocket.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Status != websocket.StatusAuthSuccess || msg.AuthToken != "tok.abc" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestDashboardUpgradeRequiresToken(t *testing.T) {
	t.Parallel()

	env := newWSEnv(t)

	_, resp, err := gorilla.DefaultDialer.Dial(env.wsURL("/ws?role=dashboard"), nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 handshake response, got %+v", resp)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
}

func TestDashboardReceivesBroadcast(t *testing.T) {
	t.Parallel()

	env := newWSEnv(t)
	token, err := env.jwt.GenerateToken("operator", auth.RoleDashboard)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	conn, resp, err := gorilla.DefaultDialer.Dial(env.wsURL("/ws?role=dashboard&token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	waitForCond(t, func() bool { return env.hub.DashboardConnected() }, "dashboard registration")

	env.hub.BroadcastLocation("did:a", 48.1, 11.5)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg websocket.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != websocket.EventDeviceLocation {
		t.Errorf("unexpected event %q", msg.Event)
	}
}

func TestWebSocketRejectsBareRequest(t *testing.T) {
	t.Parallel()

	env := newWSEnv(t)
	resp, err := http.Get(env.server.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
