// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary is the result of an analysis. It is built once from a
// finished Accumulator and never modified afterwards; report
// generators only ever see this type.
//
// Pointer-valued metrics are nil when they could not be computed
// (e.g., GCPercent for an input with no bases, N50 with -skip-n50).
type Summary struct {
	Filename   string
	FileType   string
	Encoding   Encoding
	Parameters Parameters

	InputSequences    int64 // records read from the input file(s)
	FilteredSequences int64 // records rejected by the length filter
	Subsampled        bool
	SubsampleSize     int `json:",omitempty"`

	// TotalSequences is the number of records analyzed. Records
	// with an empty sequence are well-formed but never analyzed:
	// they are counted in FilteredSequences, so every
	// LengthHistogram key is positive.
	TotalSequences       int64
	PoorQualitySequences int64
	PoorQualityPercent   float64
	HighQualitySequences int64
	HighQualityPercent   float64
	TotalBases           int64
	MinLength            int
	MaxLength            int
	MeanLength           float64
	MedianLength         float64
	LengthStdDev         float64
	N50                  *int
	MeanQuality          *float64 // mean of per-read mean qualities
	MeanBaseQuality      *float64
	GCPercent            *float64
	NPercent             *float64
	Q20Percent           *float64 // bases with Phred score >= 20
	Q30Percent           *float64

	LengthHistogram  map[int]int64 // read length => reads
	QualityHistogram map[int]int64 // Phred score => bases
	GCHistogram      []int64       // a[p] == reads with floor(GC%) == p
	PerPosition      []BaseCounts  `json:",omitempty"`
}

// Parameters records the options a Summary was computed with.
type Parameters struct {
	QualityThreshold     int
	HighQualityThreshold int
	MinLength            int
	MaxLength            int `json:",omitempty"`
	ChunkSize            int
	Subsample            int    `json:",omitempty"`
	SubsampleSeed        uint64 `json:",omitempty"`
	SkipN50              bool
	SkipPerBase          bool
}

// BaseCounts is one row of the per-position base composition table.
type BaseCounts struct {
	A, C, G, T, N int64
}

func (bc BaseCounts) Total() int64 {
	return bc.A + bc.C + bc.G + bc.T + bc.N
}

// Percent returns the composition of bc as percentages, in the order
// A, C, G, T, N. All values are zero if bc is empty.
func (bc BaseCounts) Percent() [numBases]float64 {
	var pct [numBases]float64
	total := bc.Total()
	if total == 0 {
		return pct
	}
	for i, n := range [numBases]int64{bc.A, bc.C, bc.G, bc.T, bc.N} {
		pct[i] = 100 * float64(n) / float64(total)
	}
	return pct
}

// runMetadata is what buildSummary needs to know about a run besides
// the accumulated totals.
type runMetadata struct {
	Filename          string
	FileType          string
	Config            Config
	InputSequences    int64
	FilteredSequences int64
	Subsampled        bool
}

// buildSummary derives a Summary from acc. It does not modify acc, and
// the returned Summary shares no memory with it.
func buildSummary(acc *Accumulator, meta runMetadata) *Summary {
	cfg := meta.Config
	s := &Summary{
		Filename: meta.Filename,
		FileType: meta.FileType,
		Encoding: cfg.Encoding,
		Parameters: Parameters{
			QualityThreshold:     cfg.QualityThreshold,
			HighQualityThreshold: cfg.HighQualityThreshold,
			MinLength:            cfg.MinLength,
			MaxLength:            cfg.MaxLength,
			ChunkSize:            cfg.ChunkSize,
			Subsample:            cfg.Subsample,
			SkipN50:              cfg.SkipN50,
			SkipPerBase:          cfg.SkipPerBase,
		},
		InputSequences:       meta.InputSequences,
		FilteredSequences:    meta.FilteredSequences,
		Subsampled:           meta.Subsampled,
		TotalSequences:       acc.TotalSequences,
		PoorQualitySequences: acc.PoorQualitySequences,
		HighQualitySequences: acc.HighQualitySequences,
		TotalBases:           acc.TotalLength,
		LengthHistogram:      make(map[int]int64, len(acc.LengthHistogram)),
		QualityHistogram:     map[int]int64{},
		GCHistogram:          append([]int64(nil), acc.GCHistogram[:]...),
	}
	if cfg.Subsample > 0 {
		s.Parameters.SubsampleSeed = cfg.SubsampleSeed
	}
	if meta.Subsampled {
		s.SubsampleSize = cfg.Subsample
	}

	if n := acc.TotalSequences; n > 0 {
		s.PoorQualityPercent = 100 * float64(acc.PoorQualitySequences) / float64(n)
		s.HighQualityPercent = 100 * float64(acc.HighQualitySequences) / float64(n)
		s.MeanLength = float64(acc.TotalLength) / float64(n)
	}
	if acc.QualitySamples > 0 {
		s.MeanQuality = float64ptr(acc.QualitySum / float64(acc.QualitySamples))
	}

	lengths := make([]float64, 0, len(acc.LengthHistogram))
	for length, count := range acc.LengthHistogram {
		s.LengthHistogram[length] = count
		lengths = append(lengths, float64(length))
	}
	if len(lengths) > 0 {
		sort.Float64s(lengths)
		weights := make([]float64, len(lengths))
		for i, length := range lengths {
			weights[i] = float64(acc.LengthHistogram[int(length)])
		}
		s.MinLength = int(lengths[0])
		s.MaxLength = int(lengths[len(lengths)-1])
		s.MedianLength = stat.Quantile(0.5, stat.Empirical, lengths, weights)
		if acc.TotalSequences > 1 {
			_, s.LengthStdDev = stat.MeanStdDev(lengths, weights)
		}
	}

	if !cfg.SkipN50 {
		if v, ok := n50(acc.LengthHistogram); ok {
			s.N50 = &v
		}
	}

	if acc.TotalLength > 0 {
		total := float64(acc.TotalLength)
		s.GCPercent = float64ptr(100 * float64(acc.GCCount) / total)
		s.NPercent = float64ptr(100 * float64(acc.NCount) / total)
	}

	var bases, scoreSum, q20, q30 int64
	for q, count := range acc.BaseQualityHistogram {
		if count == 0 {
			continue
		}
		s.QualityHistogram[q] = count
		bases += count
		scoreSum += int64(q) * count
		if q >= 20 {
			q20 += count
		}
		if q >= 30 {
			q30 += count
		}
	}
	if bases > 0 {
		s.MeanBaseQuality = float64ptr(float64(scoreSum) / float64(bases))
		s.Q20Percent = float64ptr(100 * float64(q20) / float64(bases))
		s.Q30Percent = float64ptr(100 * float64(q30) / float64(bases))
	}

	if !cfg.SkipPerBase {
		s.PerPosition = make([]BaseCounts, acc.PerPosition.Len())
		for pos := range s.PerPosition {
			row := acc.PerPosition.Row(pos)
			s.PerPosition[pos] = BaseCounts{
				A: row[baseA],
				C: row[baseC],
				G: row[baseG],
				T: row[baseT],
				N: row[baseN],
			}
		}
	}
	return s
}

func float64ptr(f float64) *float64 {
	return &f
}
