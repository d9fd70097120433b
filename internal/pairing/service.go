// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package pairing orchestrates the QR pairing flow: session creation, QR
// retrieval from the verifier, and callback resolution.
package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/metrics"
	"github.com/verilocate/verilocate/internal/models"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/session"
	"github.com/verilocate/verilocate/internal/websocket"
)

// ErrSessionExpired is returned when a callback names a state token with
// no live pending session. Expired, consumed, and never-issued tokens all
// land here.
var ErrSessionExpired = errors.New("pairing: no live session for state token")

// SessionStore is the pending-session surface the service needs.
type SessionStore interface {
	Create(ctx context.Context, sess *models.PendingSession) error
	Take(ctx context.Context, stateToken string) (*models.PendingSession, error)
}

// Directory is the device registry surface the service needs.
type Directory interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	Upsert(ctx context.Context, rec *models.DeviceRecord) error
	Partition(ctx context.Context) (online, offline []*models.DeviceRecord, err error)
}

// Verifier is the external verifier surface the service needs.
type Verifier interface {
	FetchLoginQR(ctx context.Context, stateToken, callbackURL string) (string, error)
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// Notifier pushes pairing outcomes and directory snapshots.
type Notifier interface {
	Notify(stateToken string, msg websocket.Message)
	BroadcastDirectory(online, offline []*models.DeviceRecord)
}

// Options carries the configuration slice the service needs.
type Options struct {
	CallbackURL string
	DefaultLat  float64
	DefaultLon  float64

	// Heatmap is the calibration surface stored on newly created device
	// records, already encoded as JSON.
	Heatmap []byte
}

// Service runs the pairing flow.
type Service struct {
	sessions SessionStore
	dir      Directory
	verifier Verifier
	hub      Notifier
	opts     Options
}

// NewService wires the pairing flow.
func NewService(sessions SessionStore, dir Directory, verifier Verifier, hub Notifier, opts Options) *Service {
	return &Service{
		sessions: sessions,
		dir:      dir,
		verifier: verifier,
		hub:      hub,
		opts:     opts,
	}
}

// BeginSession starts a pairing attempt for a device and returns the state
// token plus the QR code the device must display. Any prior pending
// session for the device is superseded.
//
// The device may supply its own state token so it can open its live
// channel before this call completes; an empty token gets a generated one.
// If the QR fetch fails, the pending session stays behind; it expires on
// its own and a retry supersedes it.
func (s *Service) BeginSession(ctx context.Context, deviceID, stateToken, logFileURI string) (token, qr string, err error) {
	if stateToken == "" {
		stateToken = uuid.New().String()
	}

	sess := &models.PendingSession{
		StateToken: stateToken,
		DeviceID:   deviceID,
		LogFileURI: logFileURI,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", "", fmt.Errorf("create pending session: %w", err)
	}
	metrics.PairingSessionsStarted.Inc()

	qr, err = s.verifier.FetchLoginQR(ctx, stateToken, s.opts.CallbackURL)
	if err != nil {
		return "", "", fmt.Errorf("fetch login QR: %w", err)
	}

	logging.Ctx(ctx).Info().
		Str("device_id", deviceID).
		Str("state_token", stateToken).
		Msg("pairing session started")

	return stateToken, qr, nil
}

// HandleCallback resolves a verifier callback. The authorization code is
// exchanged for the device's access token, the pending session is
// consumed, and the outcome is pushed to the device's pairing channel.
//
// A callback for an expired or already-consumed session notifies failure
// and mutates nothing.
func (s *Service) HandleCallback(ctx context.Context, stateToken, code string) error {
	accessToken, err := s.verifier.ExchangeCode(ctx, code)
	if err != nil {
		metrics.PairingCallbacks.WithLabelValues("exchange_failed").Inc()
		s.hub.Notify(stateToken, websocket.Message{Status: websocket.StatusAuthFailed})
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	identity, err := auth.DecodeDeviceToken(accessToken)
	if err != nil {
		metrics.PairingCallbacks.WithLabelValues("exchange_failed").Inc()
		s.hub.Notify(stateToken, websocket.Message{Status: websocket.StatusAuthFailed})
		return fmt.Errorf("decode device token: %w", err)
	}

	sess, err := s.sessions.Take(ctx, stateToken)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			metrics.PairingCallbacks.WithLabelValues("expired").Inc()
			s.hub.Notify(stateToken, websocket.Message{Status: websocket.StatusAuthFailed})
			logging.Ctx(ctx).Warn().
				Str("state_token", stateToken).
				Msg("callback for expired or consumed pairing session")
			return ErrSessionExpired
		}
		return fmt.Errorf("take pending session: %w", err)
	}

	if err := s.registerDevice(ctx, sess, identity); err != nil {
		// The session is already consumed; the device still learns the
		// outcome.
		s.hub.Notify(stateToken, websocket.Message{Status: websocket.StatusAuthFailed})
		return err
	}

	metrics.PairingCallbacks.WithLabelValues("resolved").Inc()
	s.hub.Notify(stateToken, websocket.Message{
		Status: websocket.StatusAuthSuccess,
		AuthResult: websocket.AuthResult{
			DeviceID:     sess.DeviceID,
			DID:          identity.DID,
			SubjectClaim: identity.Sub,
			LogFileURI:   sess.LogFileURI,
			AuthToken:    accessToken,
		},
	})

	s.pushDirectory(ctx)

	logging.Ctx(ctx).Info().
		Str("device_id", sess.DeviceID).
		Str("did", identity.DID).
		Msg("pairing session resolved")

	return nil
}

// registerDevice creates the device record on first pairing, or marks an
// existing record online.
func (s *Service) registerDevice(ctx context.Context, sess *models.PendingSession, identity *auth.DeviceIdentity) error {
	rec, err := s.dir.FindByDeviceID(ctx, sess.DeviceID)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		rec = &models.DeviceRecord{
			DeviceID: sess.DeviceID,
			DID:      identity.DID,
			Sub:      identity.Sub,
			Presence: models.PresenceOnline,
			LastCoordinates: models.Coordinates{
				Lat: s.opts.DefaultLat,
				Lon: s.opts.DefaultLon,
			},
			BehaviouralScore: 1,
			Heatmap:          s.opts.Heatmap,
			LogFileURI:       sess.LogFileURI,
		}
	case err != nil:
		return fmt.Errorf("look up device: %w", err)
	default:
		rec.DID = identity.DID
		rec.Sub = identity.Sub
		rec.Presence = models.PresenceOnline
		if sess.LogFileURI != "" {
			rec.LogFileURI = sess.LogFileURI
		}
	}

	if err := s.dir.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("store device record: %w", err)
	}
	return nil
}

// pushDirectory broadcasts a fresh directory snapshot to the dashboard.
func (s *Service) pushDirectory(ctx context.Context) {
	online, offline, err := s.dir.Partition(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("cannot build directory snapshot")
		return
	}
	s.hub.BroadcastDirectory(online, offline)
}

// MarkOffline flips a device offline and pushes the updated directory.
// Used by logout and by token validation when an expired token is seen.
func (s *Service) MarkOffline(ctx context.Context, deviceID string) error {
	rec, err := s.dir.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}
	rec.Presence = models.PresenceOffline
	if err := s.dir.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("store device record: %w", err)
	}
	s.pushDirectory(ctx)
	return nil
}
