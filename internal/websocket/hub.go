// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package websocket implements the two live feeds of Verilocate: per-device
// pairing channels keyed by state token, and a singleton dashboard slot.
package websocket

import (
	"context"
	"sync"

	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/metrics"
	"github.com/verilocate/verilocate/internal/models"
)

// Statuses carried on device-channel frames.
const (
	StatusPing            = "ping"
	StatusPong            = "pong"
	StatusAuthSuccess     = "auth_success"
	StatusAuthFailed      = "auth_failed"
	StatusForceDisconnect = "force_disconnect"
)

// Events carried on dashboard frames.
const (
	EventDirectory      = "DIRECTORY_UPDATED"
	EventDeviceLocation = "DEVICE_LOCATION_UPDATED"
)

// AuthResult carries the pairing outcome on a device frame.
type AuthResult struct {
	DeviceID     string `json:"deviceId,omitempty"`
	DID          string `json:"did,omitempty"`
	SubjectClaim string `json:"subjectClaim,omitempty"`
	LogFileURI   string `json:"logFileURI,omitempty"`
	AuthToken    string `json:"authToken,omitempty"`
}

// Message is one frame on a live channel. Device frames set Status plus
// the embedded AuthResult fields; dashboard frames set Event and Data.
type Message struct {
	Status string      `json:"status,omitempty"`
	Event  string      `json:"event,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	AuthResult
}

// Label returns the status or event name, for logs and counters.
func (m Message) Label() string {
	if m.Event != "" {
		return m.Event
	}
	return m.Status
}

// DirectoryPayload is the full-snapshot device directory pushed to the
// dashboard. Always a complete snapshot, never a delta.
type DirectoryPayload struct {
	Online  []*models.DeviceRecord `json:"online"`
	Offline []*models.DeviceRecord `json:"offline"`
}

// LocationPayload is a single-device location push.
type LocationPayload struct {
	DeviceDID string  `json:"deviceDid"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

// Hub tracks device pairing channels and the dashboard slot.
//
// Device channels are keyed by the pairing state token: a device waits on
// its channel for the auth outcome of exactly one pairing attempt. The
// dashboard slot holds at most one client; a newcomer force-closes the
// incumbent (last writer wins).
type Hub struct {
	mu        sync.RWMutex
	devices   map[string]*Client
	dashboard *Client

	Register   chan *Client
	Unregister chan *Client
}

// NewHub creates a hub with no connected clients.
func NewHub() *Hub {
	return &Hub{
		devices:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext processes client lifecycle events until the context is
// canceled. Designed for suture supervision; on cancellation all clients
// are closed and ctx.Err() is returned.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Shutdown has priority over lifecycle events.
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().
				Str("component", "websocket-hub").
				Msg("websocket hub stopped")
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().
				Str("component", "websocket-hub").
				Msg("websocket hub stopped")
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch c.role {
	case RoleDevice:
		if prev, ok := h.devices[c.stateToken]; ok {
			close(prev.send)
		}
		h.devices[c.stateToken] = c
		metrics.WSDeviceChannels.Set(float64(len(h.devices)))
		logging.Info().
			Str("state_token", c.stateToken).
			Int("device_channels", len(h.devices)).
			Msg("device pairing channel connected")

	case RoleDashboard:
		if h.dashboard != nil {
			// Singleton slot: the newcomer evicts the incumbent.
			select {
			case h.dashboard.send <- Message{Status: StatusForceDisconnect}:
			default:
			}
			close(h.dashboard.send)
			logging.Info().Msg("dashboard client replaced by newer connection")
		}
		h.dashboard = c
		metrics.WSDashboardConnected.Set(1)
		logging.Info().Msg("dashboard client connected")
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch c.role {
	case RoleDevice:
		// Only the current holder of the token may vacate it.
		if cur, ok := h.devices[c.stateToken]; ok && cur == c {
			delete(h.devices, c.stateToken)
			close(c.send)
			metrics.WSDeviceChannels.Set(float64(len(h.devices)))
			logging.Info().
				Str("state_token", c.stateToken).
				Msg("device pairing channel disconnected")
		}

	case RoleDashboard:
		if h.dashboard == c {
			h.dashboard = nil
			close(c.send)
			metrics.WSDashboardConnected.Set(0)
			logging.Info().Msg("dashboard client disconnected")
		}
	}
}

// Notify pushes the pairing outcome to the device waiting on stateToken.
// An unknown token is a logged no-op: the device may have dropped its
// connection before the verifier called back.
func (h *Hub) Notify(stateToken string, msg Message) {
	h.mu.RLock()
	client, ok := h.devices[stateToken]
	h.mu.RUnlock()

	if !ok {
		logging.Debug().
			Str("state_token", stateToken).
			Str("status", msg.Label()).
			Msg("no device channel for state token, dropping notification")
		return
	}

	select {
	case client.send <- msg:
		metrics.WSMessagesSent.WithLabelValues(msg.Label()).Inc()
	default:
		logging.Warn().
			Str("state_token", stateToken).
			Msg("device channel send buffer full, dropping notification")
	}
}

// BroadcastDirectory pushes a full directory snapshot to the dashboard.
func (h *Hub) BroadcastDirectory(online, offline []*models.DeviceRecord) {
	if online == nil {
		online = []*models.DeviceRecord{}
	}
	if offline == nil {
		offline = []*models.DeviceRecord{}
	}
	h.sendToDashboard(Message{
		Event: EventDirectory,
		Data:  DirectoryPayload{Online: online, Offline: offline},
	})
}

// BroadcastLocation pushes a fresh location estimate to the dashboard.
func (h *Hub) BroadcastLocation(did string, lat, lon float64) {
	h.sendToDashboard(Message{
		Event: EventDeviceLocation,
		Data:  LocationPayload{DeviceDID: did, Lat: lat, Lon: lon},
	})
}

func (h *Hub) sendToDashboard(msg Message) {
	h.mu.RLock()
	client := h.dashboard
	h.mu.RUnlock()

	if client == nil {
		return
	}

	select {
	case client.send <- msg:
		metrics.WSMessagesSent.WithLabelValues(msg.Label()).Inc()
	default:
		logging.Warn().Str("event", msg.Label()).Msg("dashboard send buffer full, dropping message")
	}
}

// DeviceChannelCount reports connected device channels.
func (h *Hub) DeviceChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// DashboardConnected reports whether the dashboard slot is occupied.
func (h *Hub) DashboardConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dashboard != nil
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for token, client := range h.devices {
		close(client.send)
		delete(h.devices, token)
	}
	if h.dashboard != nil {
		close(h.dashboard.send)
		h.dashboard = nil
	}
	metrics.WSDeviceChannels.Set(0)
	metrics.WSDashboardConnected.Set(0)
}
