// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any username/password mismatch.
// Callers must not distinguish unknown user from wrong password.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// CheckDashboardCredentials compares the presented credentials against the
// configured dashboard account. The stored password is a bcrypt hash.
func CheckDashboardCredentials(cfgUser, cfgHash, username, password string) error {
	if cfgUser == "" || cfgHash == "" {
		return ErrInvalidCredentials
	}
	if username != cfgUser {
		// Burn a comparison anyway to keep timing uniform.
		_ = bcrypt.CompareHashAndPassword([]byte(cfgHash), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfgHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword produces a bcrypt hash for configuration bootstrap tooling.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
