// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package locator runs the out-of-process location estimation. The
// computation itself lives in an external script; this package only owns
// process lifecycle, timeout, and output decoding.
package locator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/metrics"
	"github.com/verilocate/verilocate/internal/models"
)

// Locator estimates a device position from one scanner log line and the
// device's calibration heatmap.
type Locator interface {
	Estimate(ctx context.Context, line, deviceID string, heatmap []byte) (models.Position, error)
}

// EstimationError describes a failed estimation run.
type EstimationError struct {
	Stage  string // "start", "run", "timeout", "decode"
	Stderr string
	Err    error
}

func (e *EstimationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("locator: %s failed: %v (stderr: %s)", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("locator: %s failed: %v", e.Stage, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// Runner invokes the estimation script as a subprocess.
type Runner struct {
	interpreter string
	scriptPath  string
	timeout     time.Duration
}

// NewRunner builds a Runner from configuration.
func NewRunner(cfg *config.LocatorConfig) *Runner {
	return &Runner{
		interpreter: cfg.Interpreter,
		scriptPath:  cfg.ScriptPath,
		timeout:     cfg.Timeout,
	}
}

// Estimate runs the script as
//
//	<interpreter> <script> <line> <deviceID> <heatmapJSON>
//
// and decodes the position from its stdout. The run is bounded by the
// configured timeout on top of the caller's context.
func (r *Runner) Estimate(ctx context.Context, line, deviceID string, heatmap []byte) (models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()

	cmd := exec.CommandContext(ctx, r.interpreter, r.scriptPath, line, deviceID, string(heatmap))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	metrics.LocateDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LocateErrors.Inc()
		stage := "run"
		if ctx.Err() != nil {
			stage = "timeout"
			err = ctx.Err()
		}
		return models.Position{}, &EstimationError{
			Stage:  stage,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	var pos models.Position
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &pos); err != nil {
		metrics.LocateErrors.Inc()
		return models.Position{}, &EstimationError{Stage: "decode", Err: err}
	}

	logging.Ctx(ctx).Debug().
		Str("device_id", deviceID).
		Str("did", pos.DeviceDID).
		Float64("lat", pos.Lat).
		Float64("lon", pos.Lon).
		Dur("took", time.Since(start)).
		Msg("location estimated")

	return pos, nil
}
