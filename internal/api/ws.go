// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers send Origin; devices don't. CORS policy is enforced at the
	// HTTP layer, token checks happen below.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket upgrades a connection into either a device pairing channel
// (stateToken query param) or the singleton dashboard slot
// (role=dashboard plus a dashboard token).
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateToken := query.Get("stateToken")
	role := query.Get("role")

	switch {
	case stateToken != "":
		h.upgradeDevice(w, r, stateToken)
	case role == "dashboard":
		h.upgradeDashboard(w, r)
	default:
		NewResponseWriter(w, r).BadRequest("stateToken or role=dashboard is required")
	}
}

func (h *Handler) upgradeDevice(w http.ResponseWriter, r *http.Request, stateToken string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("device websocket upgrade failed")
		return
	}

	client := websocket.NewDeviceClient(h.hub, conn, stateToken)
	h.hub.Register <- client
	client.Start()
}

func (h *Handler) upgradeDashboard(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set Authorization on websocket dials; the token
	// rides in the query string.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil || claims.Role != auth.RoleDashboard {
		NewResponseWriter(w, r).Unauthorized("valid dashboard token required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}

	client := websocket.NewDashboardClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}
