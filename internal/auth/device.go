// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Device token errors.
var (
	ErrDeviceTokenExpired   = errors.New("auth: device token expired")
	ErrDeviceTokenMalformed = errors.New("auth: device token malformed")
	ErrDeviceTokenNoDID     = errors.New("auth: device token carries no DID")
)

// DeviceIdentity is the identity asserted by a verifier-issued device token.
type DeviceIdentity struct {
	DID       string
	Sub       string
	ExpiresAt time.Time
}

// deviceClaims mirrors the verifier's token layout. The DID rides inside
// the verifiable credential, not the standard subject claim.
type deviceClaims struct {
	VerifiableCredential struct {
		ID string `json:"id"`
	} `json:"verifiableCredential"`
	jwt.RegisteredClaims
}

// DecodeDeviceToken extracts the identity from a verifier-issued bearer
// token WITHOUT verifying its signature. The verifier's signing keys are
// not shared with this server; trust in the token's content derives from
// the pairing flow, where the token is obtained directly from the verifier
// over a CA-pinned channel. Expiry is still enforced.
func DecodeDeviceToken(tokenString string) (*DeviceIdentity, error) {
	claims, err := parseDeviceClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		return nil, ErrDeviceTokenExpired
	}
	return identityFromClaims(claims), nil
}

// DecodeExpiredDeviceToken extracts the identity from a device token
// regardless of expiry. Used to identify which device presented an
// expired token so its presence can be corrected; callers must never
// grant access based on the result.
func DecodeExpiredDeviceToken(tokenString string) (*DeviceIdentity, error) {
	claims, err := parseDeviceClaims(tokenString)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(claims), nil
}

func parseDeviceClaims(tokenString string) (*deviceClaims, error) {
	parser := jwt.NewParser()
	claims := &deviceClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceTokenMalformed, err)
	}
	if claims.VerifiableCredential.ID == "" {
		return nil, ErrDeviceTokenNoDID
	}
	return claims, nil
}

func identityFromClaims(claims *deviceClaims) *DeviceIdentity {
	id := &DeviceIdentity{
		DID: claims.VerifiableCredential.ID,
		Sub: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id
}
