// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package registry implements the durable device directory on BadgerDB.
//
// Records are keyed by device ID with a secondary DID index so that
// location updates, which only know the DID asserted by the verifier, can
// find their device record.
package registry

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
	deviceKeyPrefix = "device:"
	didIndexPrefix  = "did:"
)

// ErrDeviceNotFound is returned when no record exists for the lookup key.
var ErrDeviceNotFound = errors.New("registry: device not found")

// Store is a BadgerDB-backed device directory.
type Store struct {
	db *badger.DB
}

// NewStore creates a directory store on an already-open BadgerDB handle.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a BadgerDB at path. inMemory is for tests.
func Open(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithLogger(nil)
	if inMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// Upsert writes the record and its DID index entry. UpdatedAt is stamped;
// CreatedAt is stamped only when unset.
func (s *Store) Upsert(ctx context.Context, rec *models.DeviceRecord) error {
	if rec.DeviceID == "" {
		return fmt.Errorf("registry: record has no device ID")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal device record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// A re-pair can rotate the DID; the stale index entry must not
		// keep resolving to this device.
		item, err := txn.Get([]byte(deviceKeyPrefix + rec.DeviceID))
		if err == nil {
			err = item.Value(func(val []byte) error {
				var prev models.DeviceRecord
				if err := json.Unmarshal(val, &prev); err != nil {
					return err
				}
				if prev.DID != "" && prev.DID != rec.DID {
					return txn.Delete([]byte(didIndexPrefix + prev.DID))
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("drop stale did index: %w", err)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get prior device record: %w", err)
		}

		if err := txn.Set([]byte(deviceKeyPrefix+rec.DeviceID), data); err != nil {
			return fmt.Errorf("set device record: %w", err)
		}
		if rec.DID != "" {
			if err := txn.Set([]byte(didIndexPrefix+rec.DID), []byte(rec.DeviceID)); err != nil {
				return fmt.Errorf("set did index: %w", err)
			}
		}
		return nil
	})
}

// FindByDeviceID retrieves a record by its device ID.
func (s *Store) FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	var rec models.DeviceRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deviceKeyPrefix + deviceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("get device record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByDID retrieves a record through the DID index.
func (s *Store) FindByDID(ctx context.Context, did string) (*models.DeviceRecord, error) {
	var deviceID string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(didIndexPrefix + did))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("get did index: %w", err)
		}
		return item.Value(func(val []byte) error {
			deviceID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.FindByDeviceID(ctx, deviceID)
}

// SetPresence flips the presence state of the record keyed by device ID.
func (s *Store) SetPresence(ctx context.Context, deviceID string, p models.Presence) error {
	rec, err := s.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}
	rec.Presence = p
	return s.Upsert(ctx, rec)
}

// UpdateCoordinatesByDID stores a fresh location estimate on the record
// the DID index points at.
func (s *Store) UpdateCoordinatesByDID(ctx context.Context, did string, c models.Coordinates) error {
	rec, err := s.FindByDID(ctx, did)
	if err != nil {
		return err
	}
	rec.LastCoordinates = c
	return s.Upsert(ctx, rec)
}

// UpdateScore stores a behavioural score on the record keyed by device ID.
func (s *Store) UpdateScore(ctx context.Context, deviceID string, score float64) error {
	rec, err := s.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}
	rec.BehaviouralScore = score
	return s.Upsert(ctx, rec)
}

// List returns every record in the directory.
func (s *Store) List(ctx context.Context) ([]*models.DeviceRecord, error) {
	var out []*models.DeviceRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deviceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec models.DeviceRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode device record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Partition returns the directory split into online and offline devices.
func (s *Store) Partition(ctx context.Context) (online, offline []*models.DeviceRecord, err error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range all {
		if rec.Presence == models.PresenceOnline {
			online = append(online, rec)
		} else {
			offline = append(offline, rec)
		}
	}
	return online, offline, nil
}
