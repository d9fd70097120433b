// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package pairing

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// LoadHeatmap reads the calibration CSV and re-encodes it as JSON for
// storage on device records. The first row is the header; each following
// row becomes one object keyed by the header columns. The server never
// interprets the cells, it only hands them to the localization script.
func LoadHeatmap(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open heatmap: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse heatmap CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("heatmap %s has no data rows", path)
	}

	header := rows[0]
	cells := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cell := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				cell[col] = row[i]
			}
		}
		cells = append(cells, cell)
	}

	data, err := json.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("encode heatmap: %w", err)
	}
	return data, nil
}
