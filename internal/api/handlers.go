// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/ingest"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/logline"
	"github.com/verilocate/verilocate/internal/models"
	"github.com/verilocate/verilocate/internal/pairing"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/websocket"
)

// Ingestor accepts telemetry batches.
type Ingestor interface {
	Submit(ctx context.Context, deviceID, token, raw string) error
}

// Pairer runs the pairing flow.
type Pairer interface {
	BeginSession(ctx context.Context, deviceID, stateToken, logFileURI string) (token, qr string, err error)
	HandleCallback(ctx context.Context, stateToken, code string) error
	MarkOffline(ctx context.Context, deviceID string) error
}

// Directory is the registry surface the handlers need.
type Directory interface {
	List(ctx context.Context) ([]*models.DeviceRecord, error)
	Partition(ctx context.Context) (online, offline []*models.DeviceRecord, err error)
	FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	FindByDID(ctx context.Context, did string) (*models.DeviceRecord, error)
	UpdateScore(ctx context.Context, deviceID string, score float64) error
	UpdateCoordinatesByDID(ctx context.Context, did string, c models.Coordinates) error
}

// Handler holds the dependencies of all HTTP endpoints.
type Handler struct {
	ingest    Ingestor
	pairing   Pairer
	directory Directory
	hub       *websocket.Hub
	jwt       *auth.JWTManager
	cfg       *config.Config
	validate  *validator.Validate
	startTime time.Time
}

// NewHandler wires the HTTP endpoints.
func NewHandler(ing Ingestor, pair Pairer, dir Directory, hub *websocket.Hub, jwt *auth.JWTManager, cfg *config.Config) *Handler {
	return &Handler{
		ingest:    ing,
		pairing:   pair,
		directory: dir,
		hub:       hub,
		jwt:       jwt,
		cfg:       cfg,
		validate:  validator.New(),
		startTime: time.Now(),
	}
}

// decodeBody decodes and validates a JSON request body.
func (h *Handler) decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

type deviceLoginRequest struct {
	DeviceID string `json:"device_id" validate:"required"`

	// StateToken lets the device pick the nonce its live channel is keyed
	// by, so the channel can open before this request returns. Optional;
	// the server generates one otherwise.
	StateToken string `json:"state_token"`
	LogFileURI string `json:"log_file_uri"`
}

// DeviceLogin begins a pairing session and returns the QR the device must
// display. Unauthenticated: the device has no token yet.
func (h *Handler) DeviceLogin(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req deviceLoginRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.BadRequest("device_id is required")
		return
	}

	stateToken, qr, err := h.pairing.BeginSession(r.Context(), req.DeviceID, req.StateToken, req.LogFileURI)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("begin pairing session failed")
		rw.Error(http.StatusBadGateway, ErrCodeExternalService, "verifier unavailable")
		return
	}

	rw.Success(map[string]string{
		"state_token": stateToken,
		"qr":          qr,
	})
}

// AuthCallback resolves a verifier redirect carrying the authorization
// code for a pairing session.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		rw.BadRequest("state and code are required")
		return
	}

	err := h.pairing.HandleCallback(r.Context(), state, code)
	switch {
	case errors.Is(err, pairing.ErrSessionExpired):
		rw.Gone("pairing session expired")
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Msg("pairing callback failed")
		rw.Error(http.StatusBadGateway, ErrCodeExternalService, "authorization code exchange failed")
	default:
		rw.Success(map[string]string{"status": "paired"})
	}
}

type submitLogsRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Logs     string `json:"logs" validate:"required"`
}

// SubmitLogs ingests one telemetry batch. The response is deferred until
// the batch has been fully processed.
func (h *Handler) SubmitLogs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	token := bearerToken(r)
	if token == "" {
		rw.Unauthorized("missing device token")
		return
	}

	var req submitLogsRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.BadRequest("device_id and logs are required")
		return
	}

	err := h.ingest.Submit(r.Context(), req.DeviceID, token, req.Logs)
	switch {
	case err == nil:
		rw.Success(map[string]string{"status": "success", "message": "batch processed"})
	case errors.Is(err, logline.ErrEmptyBatch),
		errors.Is(err, logline.ErrMalformedLine),
		errors.Is(err, logline.ErrMissingTimestamp):
		rw.Error(http.StatusBadRequest, ErrCodeMalformedTelemetry, err.Error())
	case errors.Is(err, auth.ErrDeviceTokenExpired),
		errors.Is(err, auth.ErrDeviceTokenMalformed),
		errors.Is(err, auth.ErrDeviceTokenNoDID),
		errors.Is(err, ingest.ErrTokenMismatch),
		errors.Is(err, ingest.ErrUnknownDevice):
		rw.Unauthorized(err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).
			Str("device_id", req.DeviceID).
			Msg("telemetry batch processing failed")
		rw.InternalError("batch processing failed")
	}
}

// ListDevices returns every directory record.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	devices, err := h.directory.List(r.Context())
	if err != nil {
		rw.InternalError("cannot list devices")
		return
	}
	if devices == nil {
		devices = []*models.DeviceRecord{}
	}
	rw.Success(devices)
}

// OnlineDevices returns the online partition of the directory.
func (h *Handler) OnlineDevices(w http.ResponseWriter, r *http.Request) {
	h.partition(w, r, true)
}

// OfflineDevices returns the offline partition of the directory.
func (h *Handler) OfflineDevices(w http.ResponseWriter, r *http.Request) {
	h.partition(w, r, false)
}

func (h *Handler) partition(w http.ResponseWriter, r *http.Request, online bool) {
	rw := NewResponseWriter(w, r)

	on, off, err := h.directory.Partition(r.Context())
	if err != nil {
		rw.InternalError("cannot partition devices")
		return
	}
	out := off
	if online {
		out = on
	}
	if out == nil {
		out = []*models.DeviceRecord{}
	}
	rw.Success(out)
}

type logoutRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

// DeviceLogout marks a device offline. Authorized by the device's own
// bearer token; the token's DID must match the record.
func (h *Handler) DeviceLogout(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req logoutRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.BadRequest("device_id is required")
		return
	}

	identity, err := auth.DecodeDeviceToken(bearerToken(r))
	if err != nil {
		rw.Unauthorized("invalid device token")
		return
	}
	rec, err := h.directory.FindByDeviceID(r.Context(), req.DeviceID)
	if err != nil {
		rw.NotFound("unknown device")
		return
	}
	if rec.DID != identity.DID {
		rw.Unauthorized("token does not match device")
		return
	}

	if err := h.pairing.MarkOffline(r.Context(), req.DeviceID); err != nil {
		rw.InternalError("cannot mark device offline")
		return
	}
	rw.Success(map[string]string{"status": "offline"})
}

// ValidateDeviceToken checks the device bearer token. An expired token
// flips its device offline before answering 401, so the dashboard
// converges even when devices never log out cleanly.
func (h *Handler) ValidateDeviceToken(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	token := bearerToken(r)
	if token == "" {
		rw.Unauthorized("missing device token")
		return
	}

	_, err := auth.DecodeDeviceToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrDeviceTokenExpired) {
			h.markExpiredOffline(r.Context(), token)
		}
		rw.Unauthorized("invalid device token")
		return
	}

	rw.Success(map[string]bool{"valid": true})
}

// markExpiredOffline identifies the device behind an expired token by the
// DID embedded in the token itself. The expired token is still trusted
// for this one downgrade: the worst a forged token can do is flip a
// device offline until its next heartbeat.
func (h *Handler) markExpiredOffline(ctx context.Context, token string) {
	identity, err := auth.DecodeExpiredDeviceToken(token)
	if err != nil {
		return
	}
	rec, err := h.directory.FindByDID(ctx, identity.DID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("did", identity.DID).
			Msg("expired token names an unknown DID")
		return
	}
	if err := h.pairing.MarkOffline(ctx, rec.DeviceID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("device_id", rec.DeviceID).
			Msg("cannot mark device offline after token expiry")
	}
}

type scoreRequest struct {
	DeviceID string  `json:"device_id" validate:"required"`
	Score    float64 `json:"score" validate:"gte=0,lte=1"`
}

// UpdateScore stores a behavioural score for a device.
func (h *Handler) UpdateScore(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req scoreRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, "device_id required, score in [0,1]")
		return
	}

	err := h.directory.UpdateScore(r.Context(), req.DeviceID, req.Score)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		rw.NotFound("unknown device")
	case err != nil:
		rw.InternalError("cannot update score")
	default:
		rw.Success(map[string]string{"status": "updated"})
	}
}

type locationRequest struct {
	DID string  `json:"did" validate:"required"`
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// UpdateLocation stores an externally supplied location estimate and
// pushes it to the dashboard.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req locationRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, "did required, lat/lon in range")
		return
	}

	err := h.directory.UpdateCoordinatesByDID(r.Context(), req.DID, models.Coordinates{Lat: req.Lat, Lon: req.Lon})
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		rw.NotFound("unknown DID")
	case err != nil:
		rw.InternalError("cannot update location")
	default:
		h.hub.BroadcastLocation(req.DID, req.Lat, req.Lon)
		rw.Success(map[string]string{"status": "updated"})
	}
}

// FetchScore returns the behavioural score of the device the DID names,
// for external policy services.
func (h *Handler) FetchScore(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	did := r.URL.Query().Get("did")
	if did == "" {
		rw.BadRequest("did is required")
		return
	}

	rec, err := h.directory.FindByDID(r.Context(), did)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		rw.NotFound("unknown DID")
	case err != nil:
		rw.InternalError("cannot read score")
	default:
		rw.Success(map[string]interface{}{
			"did":   rec.DID,
			"score": rec.BehaviouralScore,
		})
	}
}

// FetchLocation returns the last known coordinates of the device the DID
// names.
func (h *Handler) FetchLocation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	did := r.URL.Query().Get("did")
	if did == "" {
		rw.BadRequest("did is required")
		return
	}

	rec, err := h.directory.FindByDID(r.Context(), did)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		rw.NotFound("unknown DID")
	case err != nil:
		rw.InternalError("cannot read location")
	default:
		rw.Success(map[string]interface{}{
			"did": rec.DID,
			"lat": rec.LastCoordinates.Lat,
			"lon": rec.LastCoordinates.Lon,
		})
	}
}

type dashboardLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// DashboardLogin authenticates the dashboard operator and issues a token.
func (h *Handler) DashboardLogin(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req dashboardLoginRequest
	if err := h.decodeBody(r, &req); err != nil {
		rw.BadRequest("username and password are required")
		return
	}

	err := auth.CheckDashboardCredentials(
		h.cfg.Security.DashboardUsername,
		h.cfg.Security.DashboardPasswordHash,
		req.Username, req.Password)
	if err != nil {
		rw.Unauthorized("invalid credentials")
		return
	}

	token, err := h.jwt.GenerateToken(req.Username, auth.RoleDashboard)
	if err != nil {
		rw.InternalError("cannot issue token")
		return
	}
	rw.Success(map[string]string{"token": token})
}

// Status reports liveness and basic counters.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	online, offline, err := h.directory.Partition(r.Context())
	if err != nil {
		rw.InternalError("cannot read directory")
		return
	}
	rw.Success(map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(h.startTime).Seconds()),
		"devices_online":  len(online),
		"devices_offline": len(offline),
		"dashboard_live":  h.hub.DashboardConnected(),
	})
}
