// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline, the pairing flow, and the live dashboard feed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	IngestQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Pending telemetry batches per device queue",
		},
		[]string{"device_id"},
	)

	IngestBatchesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_batches_accepted_total",
			Help: "Total telemetry batches accepted for processing",
		},
	)

	IngestBatchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batches_rejected_total",
			Help: "Total telemetry batches rejected before enqueue",
		},
		[]string{"reason"}, // "malformed", "no_timestamp", "bad_token"
	)

	IngestProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_process_duration_seconds",
			Help:    "Wall time to drain one telemetry batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestProcessErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_process_errors_total",
			Help: "Total per-batch processing failures",
		},
		[]string{"stage"}, // "sink", "locate", "registry"
	)

	// Localization metrics
	LocateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locate_duration_seconds",
			Help:    "Duration of out-of-process location estimation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	LocateErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "locate_errors_total",
			Help: "Total failed location estimations",
		},
	)

	// Pairing metrics
	PairingSessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_sessions_started_total",
			Help: "Total pairing sessions begun",
		},
	)

	PairingCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_callbacks_total",
			Help: "Total verifier callbacks by outcome",
		},
		[]string{"outcome"}, // "resolved", "expired", "exchange_failed"
	)

	// Verifier client metrics
	VerifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_requests_total",
			Help: "Total outbound verifier requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	VerifierCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "verifier_circuit_breaker_state",
			Help: "Verifier circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// WebSocket metrics
	WSDeviceChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_device_channels",
			Help: "Currently connected device pairing channels",
		},
	)

	WSDashboardConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_dashboard_connected",
			Help: "Whether a dashboard client occupies the singleton slot (0 or 1)",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total WebSocket messages pushed by type",
		},
		[]string{"type"},
	)

	// Sink metrics
	SinkAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_appends_total",
			Help: "Total telemetry batches appended to DuckDB",
		},
	)
)
