// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

// Column order of the per-position base composition table.
const (
	baseA = iota
	baseC
	baseG
	baseT
	baseN // anything other than A, C, G, T
	numBases
)

var baseIndex [256]uint8

func init() {
	for i := range baseIndex {
		baseIndex[i] = baseN
	}
	for _, b := range []struct {
		chars string
		idx   uint8
	}{{"Aa", baseA}, {"Cc", baseC}, {"Gg", baseG}, {"Tt", baseT}} {
		for _, c := range []byte(b.chars) {
			baseIndex[c] = b.idx
		}
	}
}

// positionTable holds per-position base counts in a flat slice of
// numBases-wide rows (row-major, like the numpy matrices written by
// export-numpy). Row capacity doubles when a longer read arrives;
// rows is the longest read seen, so there is never a row beyond the
// last observed position.
type positionTable struct {
	counts []int64
	rows   int
}

const minPositionRows = 64

func (t *positionTable) grow(rows int) {
	if rows <= t.rows {
		return
	}
	if have := len(t.counts) / numBases; rows > have {
		want := have * 2
		if want < minPositionRows {
			want = minPositionRows
		}
		if want < rows {
			want = rows
		}
		counts := make([]int64, want*numBases)
		copy(counts, t.counts)
		t.counts = counts
	}
	t.rows = rows
}

func (t *positionTable) AddSequence(seq []byte) {
	t.grow(len(seq))
	for i, b := range seq {
		t.counts[i*numBases+int(baseIndex[b])]++
	}
}

// Len returns the number of positions in use.
func (t *positionTable) Len() int {
	return t.rows
}

// Row returns the counts for a 0-based position, indexed by baseA,
// baseC, etc. The returned slice aliases the table.
func (t *positionTable) Row(pos int) []int64 {
	return t.counts[pos*numBases : (pos+1)*numBases]
}

func (t *positionTable) Merge(other *positionTable) {
	t.grow(other.rows)
	for i, n := range other.counts[:other.rows*numBases] {
		t.counts[i] += n
	}
}

// decodedRecord is a read that passed the filters, with its quality
// string already decoded.
type decodedRecord struct {
	Seq         []byte
	Scores      []int
	MeanQuality float64
}

// Accumulator holds the running totals for one analysis. It is owned
// by a single goroutine; partial accumulators built elsewhere are
// combined with Merge.
type Accumulator struct {
	qualityThreshold     float64
	highQualityThreshold float64
	perBase              bool

	TotalSequences       int64
	PoorQualitySequences int64
	HighQualitySequences int64
	TotalLength          int64
	GCCount              int64
	NCount               int64
	LengthHistogram      map[int]int64 // read length => number of reads

	// Sum of per-read mean qualities, and the number of reads
	// that contributed to it.
	QualitySum     float64
	QualitySamples int64

	BaseQualityHistogram []int64 // a[q] == number of bases with Phred score q
	GCHistogram          [101]int64
	PerPosition          positionTable
}

func newAccumulator(cfg *Config) *Accumulator {
	return &Accumulator{
		qualityThreshold:     float64(cfg.QualityThreshold),
		highQualityThreshold: float64(cfg.HighQualityThreshold),
		perBase:              !cfg.SkipPerBase,
		LengthHistogram:      map[int]int64{},
	}
}

// Fold adds every record in chunk to the running totals.
func (acc *Accumulator) Fold(chunk []decodedRecord) {
	for i := range chunk {
		acc.fold(&chunk[i])
	}
}

func (acc *Accumulator) fold(rec *decodedRecord) {
	seqlen := len(rec.Seq)
	acc.TotalSequences++
	if rec.MeanQuality < acc.qualityThreshold {
		acc.PoorQualitySequences++
	}
	if rec.MeanQuality >= acc.highQualityThreshold {
		acc.HighQualitySequences++
	}
	acc.QualitySum += rec.MeanQuality
	acc.QualitySamples++

	acc.LengthHistogram[seqlen]++
	acc.TotalLength += int64(seqlen)

	gc, n := 0, 0
	for _, b := range rec.Seq {
		switch baseIndex[b] {
		case baseC, baseG:
			gc++
		case baseN:
			n++
		}
	}
	acc.GCCount += int64(gc)
	acc.NCount += int64(n)
	if seqlen > 0 {
		acc.GCHistogram[gc*100/seqlen]++
	}

	for _, q := range rec.Scores {
		if q >= len(acc.BaseQualityHistogram) {
			grown := make([]int64, q+1)
			copy(grown, acc.BaseQualityHistogram)
			acc.BaseQualityHistogram = grown
		}
		acc.BaseQualityHistogram[q]++
	}

	if acc.perBase {
		acc.PerPosition.AddSequence(rec.Seq)
	}
}

// Merge adds other's totals to acc. Merging is associative and
// commutative except for floating point rounding in QualitySum.
func (acc *Accumulator) Merge(other *Accumulator) {
	acc.TotalSequences += other.TotalSequences
	acc.PoorQualitySequences += other.PoorQualitySequences
	acc.HighQualitySequences += other.HighQualitySequences
	acc.TotalLength += other.TotalLength
	acc.GCCount += other.GCCount
	acc.NCount += other.NCount
	for length, count := range other.LengthHistogram {
		acc.LengthHistogram[length] += count
	}
	acc.QualitySum += other.QualitySum
	acc.QualitySamples += other.QualitySamples
	if len(other.BaseQualityHistogram) > len(acc.BaseQualityHistogram) {
		grown := make([]int64, len(other.BaseQualityHistogram))
		copy(grown, acc.BaseQualityHistogram)
		acc.BaseQualityHistogram = grown
	}
	for q, count := range other.BaseQualityHistogram {
		acc.BaseQualityHistogram[q] += count
	}
	for i, count := range other.GCHistogram {
		acc.GCHistogram[i] += count
	}
	if acc.perBase {
		acc.PerPosition.Merge(&other.PerPosition)
	}
}
