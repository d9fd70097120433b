// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package logline implements the telemetry log grammar: batch validation,
// embedded timestamp extraction, and per-line classification.
//
// The expected line format is:
//
//	MM-DD HH:mm:ss.SSS  PID  TID  LEVEL  TAG: MESSAGE
//
// where LEVEL is one of D, I, W, E; TAG is at least two characters; and
// MESSAGE is non-blank. A batch is valid only if every non-blank line is
// valid: a single malformed line rejects the whole batch.
package logline

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the embedded timestamp layout. Telemetry timestamps
// carry no year; ordering is well-defined within the layout's range.
const TimestampLayout = "01-02 15:04:05.000"

// localizationMarker tags the scanner lines that feed the location
// estimation step.
const localizationMarker = "WifiNetworkScannerN"

var (
	lineRe      = regexp.MustCompile(`^(\d{2}-\d{2}) (\d{2}:\d{2}:\d{2}\.\d{3})\s+(\d+)\s+(\d+)\s+([DIWE])\s+([\w\d]+):\s+(.*)$`)
	timestampRe = regexp.MustCompile(`\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}`)
)

// Validation errors returned by ValidateBatch.
var (
	ErrEmptyBatch       = errors.New("logline: batch is empty")
	ErrMalformedLine    = errors.New("logline: malformed log line")
	ErrMissingTimestamp = errors.New("logline: batch has no embedded timestamp")
)

// Class is the dispatch classification of a single log line.
type Class int

const (
	// ClassOther lines are persisted but not acted upon further.
	ClassOther Class = iota

	// ClassLocalization lines carry WiFi scan data and trigger the
	// location estimation step.
	ClassLocalization
)

// Valid reports whether a single line matches the log grammar.
func Valid(line string) bool {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	// Tag length and blank-message checks beyond what the pattern enforces.
	if len(m[6]) < 2 {
		return false
	}
	return strings.TrimSpace(m[7]) != ""
}

// ValidateBatch checks every non-blank line of the batch against the
// grammar. Any violation rejects the whole batch; there is no partial
// acceptance of a malformed batch.
func ValidateBatch(batch string) error {
	if strings.TrimSpace(batch) == "" {
		return ErrEmptyBatch
	}
	for _, line := range strings.Split(batch, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !Valid(line) {
			return ErrMalformedLine
		}
	}
	return nil
}

// ExtractTimestamp returns the first embedded timestamp found in the batch.
// The embedded timestamp, not arrival time, is the per-device ordering key.
func ExtractTimestamp(batch string) (time.Time, error) {
	raw := timestampRe.FindString(batch)
	if raw == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	ts, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		return time.Time{}, ErrMissingTimestamp
	}
	return ts, nil
}

// Classify tags a line for dispatch.
func Classify(line string) Class {
	if strings.Contains(line, localizationMarker) {
		return ClassLocalization
	}
	return ClassOther
}

// Lines splits a batch into its non-blank lines.
func Lines(batch string) []string {
	var out []string
	for _, line := range strings.Split(batch, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
