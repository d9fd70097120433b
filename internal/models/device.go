// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package models defines the shared data types for Verilocate: device
// directory records, pending pairing sessions, and location estimates.
package models

import "time"

// Presence is a device's availability state in the directory.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DeviceRecord is a device's directory entry. A record is created on the
// device's first successful pairing session and mutated on every subsequent
// session and location update; it is never hard-deleted.
type DeviceRecord struct {
	// DeviceID is the stable, locally unique device identifier.
	DeviceID string `json:"device_id"`

	// DID is the decentralized identifier asserted by the external
	// verifier. Distinct from DeviceID; location updates key on it.
	DID string `json:"did"`

	// Sub is the subject claim carried by the verifier's access token.
	Sub string `json:"sub"`

	Presence        Presence    `json:"status"`
	LastCoordinates Coordinates `json:"last_coordinates"`

	// BehaviouralScore is a trust score in [0,1]. New devices start at 1.
	BehaviouralScore float64 `json:"behavioural_score"`

	// Heatmap is the opaque calibration surface consumed by the external
	// localization computation. Stored as raw JSON.
	Heatmap []byte `json:"heatmap,omitempty"`

	LogFileURI string `json:"log_file_uri"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingSession is a short-lived pairing attempt keyed by its one-time
// state token. At most one pending session exists per device; a new
// begin-session call supersedes any prior one.
type PendingSession struct {
	StateToken string    `json:"state_token"`
	DeviceID   string    `json:"device_id"`
	LogFileURI string    `json:"log_file_uri"`
	CreatedAt  time.Time `json:"created_at"`
}

// Position is a location estimate produced by the localization computation.
type Position struct {
	DeviceDID string  `json:"deviceDid"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}
