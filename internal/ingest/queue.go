// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package ingest

import "time"

// entry is one accepted telemetry batch waiting in a device queue.
type entry struct {
	raw    string
	ts     time.Time
	seq    uint64 // arrival order, tiebreak for equal timestamps
	result chan error
}

// batchHeap is a min-heap of batches ordered by embedded timestamp, then
// arrival order. Not safe for concurrent use; the owning deviceQueue
// serializes access.
type batchHeap struct {
	entries []*entry
}

func newBatchHeap() *batchHeap {
	return &batchHeap{entries: make([]*entry, 0, 4)}
}

func (h *batchHeap) len() int { return len(h.entries) }

func (h *batchHeap) push(e *entry) {
	h.entries = append(h.entries, e)
	h.bubbleUp(len(h.entries) - 1)
}

// pop removes and returns the entry with the smallest timestamp, or nil.
func (h *batchHeap) pop() *entry {
	n := len(h.entries)
	if n == 0 {
		return nil
	}
	top := h.entries[0]
	h.entries[0] = h.entries[n-1]
	h.entries = h.entries[:n-1]
	if len(h.entries) > 0 {
		h.bubbleDown(0)
	}
	return top
}

func (h *batchHeap) less(i, j int) bool {
	if h.entries[i].ts.Equal(h.entries[j].ts) {
		return h.entries[i].seq < h.entries[j].seq
	}
	return h.entries[i].ts.Before(h.entries[j].ts)
}

func (h *batchHeap) swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *batchHeap) bubbleUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			return
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *batchHeap) bubbleDown(i int) {
	n := len(h.entries)
	for {
		left := 2*i + 1
		right := 2*i + 2
		smallest := i

		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}
