// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package ingest implements ordered per-device telemetry ingestion.
//
// Each device owns a timestamp-ordered queue drained by at most one loop
// at a time, so batches from one device are processed strictly
// sequentially in embedded-timestamp order regardless of arrival order.
// Different devices never block each other. The HTTP response for a batch
// is deferred until its processing completes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/logline"
	"github.com/verilocate/verilocate/internal/locator"
	"github.com/verilocate/verilocate/internal/metrics"
	"github.com/verilocate/verilocate/internal/models"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/sink"
)

// Rejection errors returned by Submit before a batch is enqueued.
var (
	ErrUnknownDevice = errors.New("ingest: device is not registered")
	ErrTokenMismatch = errors.New("ingest: token DID does not match device record")
)

// Directory is the slice of the device registry the engine needs.
type Directory interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	UpdateCoordinatesByDID(ctx context.Context, did string, c models.Coordinates) error
}

// Broadcaster pushes location estimates to the live dashboard.
type Broadcaster interface {
	BroadcastLocation(did string, lat, lon float64)
}

// deviceQueue is one device's pending work. The mutex guards the heap and
// the inFlight flag; processing itself happens outside the lock.
type deviceQueue struct {
	mu       sync.Mutex
	heap     *batchHeap
	inFlight bool
}

// Engine accepts, orders, and processes telemetry batches.
type Engine struct {
	sink      sink.Appender
	locator   locator.Locator
	directory Directory
	hub       Broadcaster

	mu      sync.Mutex
	devices map[string]*deviceQueue

	seq atomic.Uint64
}

// NewEngine wires the ingestion pipeline.
func NewEngine(s sink.Appender, l locator.Locator, d Directory, b Broadcaster) *Engine {
	return &Engine{
		sink:      s,
		locator:   l,
		directory: d,
		hub:       b,
		devices:   make(map[string]*deviceQueue),
	}
}

// Submit validates, enqueues, and waits for one telemetry batch to be
// processed. It returns only after the batch has been drained (or
// rejected), so callers can surface the per-batch outcome.
//
// Validation happens before enqueue: a malformed batch, a missing
// timestamp, or a bad token never enters the queue.
func (e *Engine) Submit(ctx context.Context, deviceID, token, raw string) error {
	if err := logline.ValidateBatch(raw); err != nil {
		metrics.IngestBatchesRejected.WithLabelValues("malformed").Inc()
		return err
	}

	ts, err := logline.ExtractTimestamp(raw)
	if err != nil {
		metrics.IngestBatchesRejected.WithLabelValues("no_timestamp").Inc()
		return err
	}

	identity, err := auth.DecodeDeviceToken(token)
	if err != nil {
		metrics.IngestBatchesRejected.WithLabelValues("bad_token").Inc()
		return err
	}

	rec, err := e.directory.FindByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			metrics.IngestBatchesRejected.WithLabelValues("bad_token").Inc()
			return ErrUnknownDevice
		}
		return fmt.Errorf("look up device: %w", err)
	}
	if rec.DID != identity.DID {
		metrics.IngestBatchesRejected.WithLabelValues("bad_token").Inc()
		return ErrTokenMismatch
	}

	ent := &entry{
		raw:    raw,
		ts:     ts,
		seq:    e.seq.Add(1),
		result: make(chan error, 1),
	}

	dq := e.queueFor(deviceID)

	dq.mu.Lock()
	dq.heap.push(ent)
	depth := dq.heap.len()
	startDrain := !dq.inFlight
	if startDrain {
		dq.inFlight = true
	}
	dq.mu.Unlock()

	metrics.IngestQueueDepth.WithLabelValues(deviceID).Set(float64(depth))
	metrics.IngestBatchesAccepted.Inc()

	if startDrain {
		// Processing outlives the submitting request.
		go e.drain(context.WithoutCancel(ctx), deviceID, dq)
	}

	select {
	case err := <-ent.result:
		return err
	case <-ctx.Done():
		// The batch stays queued and will still be processed; only the
		// caller stopped waiting for the outcome.
		return ctx.Err()
	}
}

// QueueDepth reports the number of batches waiting for the device, not
// counting one currently being processed.
func (e *Engine) QueueDepth(deviceID string) int {
	e.mu.Lock()
	dq, ok := e.devices[deviceID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.heap.len()
}

// queueFor returns the device's queue, creating it on first use.
func (e *Engine) queueFor(deviceID string) *deviceQueue {
	e.mu.Lock()
	defer e.mu.Unlock()

	dq, ok := e.devices[deviceID]
	if !ok {
		dq = &deviceQueue{heap: newBatchHeap()}
		e.devices[deviceID] = dq
	}
	return dq
}

// drain processes the device's queue until it is empty. At most one drain
// loop runs per device; the inFlight flag is cleared under the same lock
// that observes the empty heap, so no batch is left behind.
func (e *Engine) drain(ctx context.Context, deviceID string, dq *deviceQueue) {
	for {
		dq.mu.Lock()
		ent := dq.heap.pop()
		if ent == nil {
			dq.inFlight = false
			dq.mu.Unlock()
			metrics.IngestQueueDepth.WithLabelValues(deviceID).Set(0)
			return
		}
		depth := dq.heap.len()
		dq.mu.Unlock()

		metrics.IngestQueueDepth.WithLabelValues(deviceID).Set(float64(depth))

		start := time.Now()
		err := e.process(ctx, deviceID, ent)
		metrics.IngestProcessDuration.Observe(time.Since(start).Seconds())

		ent.result <- err
	}
}

// process persists one batch and runs the localization side effects.
// Persistence failure fails the batch. Localization and directory
// failures are contained to the affected line: they are logged and the
// batch still succeeds, matching the append-only nature of the sink.
func (e *Engine) process(ctx context.Context, deviceID string, ent *entry) error {
	if err := e.sink.Append(ctx, deviceID, ent.raw, ent.ts); err != nil {
		metrics.IngestProcessErrors.WithLabelValues("sink").Inc()
		return fmt.Errorf("persist batch: %w", err)
	}
	metrics.SinkAppends.Inc()

	for _, line := range logline.Lines(ent.raw) {
		if logline.Classify(line) != logline.ClassLocalization {
			continue
		}
		e.localize(ctx, deviceID, line)
	}
	return nil
}

// localize runs the estimation for one scanner line and publishes the
// result.
func (e *Engine) localize(ctx context.Context, deviceID, line string) {
	rec, err := e.directory.FindByDeviceID(ctx, deviceID)
	if err != nil {
		metrics.IngestProcessErrors.WithLabelValues("registry").Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("device_id", deviceID).
			Msg("cannot load heatmap for localization")
		return
	}

	pos, err := e.locator.Estimate(ctx, line, deviceID, rec.Heatmap)
	if err != nil {
		metrics.IngestProcessErrors.WithLabelValues("locate").Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("device_id", deviceID).
			Msg("location estimation failed")
		return
	}

	coords := models.Coordinates{Lat: pos.Lat, Lon: pos.Lon}
	if err := e.directory.UpdateCoordinatesByDID(ctx, pos.DeviceDID, coords); err != nil {
		metrics.IngestProcessErrors.WithLabelValues("registry").Inc()
		// A DID with no record is logged, not fatal.
		logging.Ctx(ctx).Warn().Err(err).
			Str("did", pos.DeviceDID).
			Msg("location estimate for unknown DID")
		return
	}

	e.hub.BroadcastLocation(pos.DeviceDID, pos.Lat, pos.Lon)
}
