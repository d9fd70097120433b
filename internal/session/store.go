// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package session implements the short-lived pending pairing session table.
//
// Sessions expire through BadgerDB's native TTL rather than a sweeper
// goroutine. A verifier callback that arrives after expiry simply finds no
// session, which is the expired-session outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/verilocate/verilocate/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	pendingKeyPrefix = "pending:"
	deviceKeyPrefix  = "pending_device:"
)

// ErrSessionNotFound is returned when no live session exists for the state
// token. Expired and already-consumed sessions are indistinguishable from
// never-created ones.
var ErrSessionNotFound = errors.New("session: pending session not found")

// Store is a BadgerDB-backed pending session table.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// NewStore creates a session store on an already-open BadgerDB handle.
func NewStore(db *badger.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// Create stores a pending session. At most one session exists per device:
// any live session for the same device is superseded in the same
// transaction, invalidating its state token.
func (s *Store) Create(ctx context.Context, sess *models.PendingSession) error {
	if sess.StateToken == "" || sess.DeviceID == "" {
		return fmt.Errorf("session: state token and device ID are required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal pending session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		deviceKey := []byte(deviceKeyPrefix + sess.DeviceID)

		// Supersede a prior session for this device, if one is live.
		item, err := txn.Get(deviceKey)
		if err == nil {
			err = item.Value(func(prev []byte) error {
				return txn.Delete([]byte(pendingKeyPrefix + string(prev)))
			})
			if err != nil {
				return fmt.Errorf("supersede pending session: %w", err)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get device index: %w", err)
		}

		entry := badger.NewEntry([]byte(pendingKeyPrefix+sess.StateToken), data).WithTTL(s.ttl)
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("set pending session: %w", err)
		}
		idx := badger.NewEntry(deviceKey, []byte(sess.StateToken)).WithTTL(s.ttl)
		if err := txn.SetEntry(idx); err != nil {
			return fmt.Errorf("set device index: %w", err)
		}
		return nil
	})
}

// Take consumes the session for the given state token. Each token resolves
// at most once; a second Take returns ErrSessionNotFound.
func (s *Store) Take(ctx context.Context, stateToken string) (*models.PendingSession, error) {
	var sess models.PendingSession

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(pendingKeyPrefix + stateToken)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get pending session: %w", err)
		}
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
		if err != nil {
			return fmt.Errorf("decode pending session: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete pending session: %w", err)
		}
		if err := txn.Delete([]byte(deviceKeyPrefix + sess.DeviceID)); err != nil {
			return fmt.Errorf("delete device index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
