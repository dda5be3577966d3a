// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"golang.org/x/exp/rand"
)

// readFilter selects reads by length. Both bounds are inclusive;
// MaxLength <= 0 means no upper bound. Empty reads never pass.
type readFilter struct {
	MinLength int
	MaxLength int
}

func (f readFilter) Keep(rec *Record) bool {
	n := len(rec.Seq)
	if n == 0 || n < f.MinLength {
		return false
	}
	return f.MaxLength <= 0 || n <= f.MaxLength
}

// Apply removes the records that do not pass the filter, reusing
// chunk's backing array, and returns the remaining records in their
// original order.
func (f readFilter) Apply(chunk []Record) []Record {
	kept := chunk[:0]
	for i := range chunk {
		if f.Keep(&chunk[i]) {
			kept = append(kept, chunk[i])
		}
	}
	// Don't keep the dropped records' sequence data alive.
	for i := len(kept); i < len(chunk); i++ {
		chunk[i] = Record{}
	}
	return kept
}

// reservoir keeps a uniform random sample of at most size records
// from a stream of unknown length (Algorithm R). For a given seed,
// the sample depends only on the order of the offered records, not on
// how they are split into chunks.
type reservoir struct {
	size    int
	seen    int64
	rng     *rand.Rand
	records []Record
}

func newReservoir(size int, seed uint64) *reservoir {
	return &reservoir{
		size:    size,
		rng:     rand.New(rand.NewSource(seed)),
		records: make([]Record, 0, size),
	}
}

func (r *reservoir) Offer(chunk []Record) {
	for _, rec := range chunk {
		if len(r.records) < r.size {
			r.records = append(r.records, rec)
		} else if j := r.rng.Int63n(r.seen + 1); j < int64(r.size) {
			r.records[j] = rec
		}
		r.seen++
	}
}

// Seen returns the number of records offered so far.
func (r *reservoir) Seen() int64 {
	return r.seen
}

// Chunks returns the sampled records split into chunks of at most
// chunkSize.
func (r *reservoir) Chunks(chunkSize int) [][]Record {
	var chunks [][]Record
	for start := 0; start < len(r.records); start += chunkSize {
		end := start + chunkSize
		if end > len(r.records) {
			end = len(r.records)
		}
		chunks = append(chunks, r.records[start:end])
	}
	return chunks
}
