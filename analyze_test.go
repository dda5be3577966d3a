// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type analyzeSuite struct{}

var _ = check.Suite(&analyzeSuite{})

func checkClose(c *check.C, got *float64, expect float64) {
	if c.Check(got, check.NotNil) {
		c.Check(math.Abs(*got-expect) < 1e-9, check.Equals, true, check.Commentf("got %v, expected %v", *got, expect))
	}
}

func (s *analyzeSuite) TestSmallFile(c *check.C) {
	sum, err := Analyze(context.Background(), "testdata/small.fastq", DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(sum.Filename, check.Equals, "testdata/small.fastq")
	c.Check(sum.FileType, check.Equals, "FASTQ")
	c.Check(sum.Encoding, check.Equals, Phred33)
	c.Check(sum.InputSequences, check.Equals, int64(4))
	c.Check(sum.FilteredSequences, check.Equals, int64(0))
	c.Check(sum.Subsampled, check.Equals, false)
	c.Check(sum.TotalSequences, check.Equals, int64(4))
	c.Check(sum.TotalBases, check.Equals, int64(41))
	c.Check(sum.PoorQualitySequences, check.Equals, int64(1))
	c.Check(sum.PoorQualityPercent, check.Equals, 25.0)
	c.Check(sum.HighQualitySequences, check.Equals, int64(1))
	c.Check(sum.HighQualityPercent, check.Equals, 25.0)
	c.Check(sum.MinLength, check.Equals, 5)
	c.Check(sum.MaxLength, check.Equals, 16)
	c.Check(sum.MeanLength, check.Equals, 10.25)
	c.Check(sum.MedianLength, check.Equals, 10.0)
	c.Check(math.Abs(sum.LengthStdDev-4.5) < 1e-9, check.Equals, true)
	c.Assert(sum.N50, check.NotNil)
	c.Check(*sum.N50, check.Equals, 10)
	checkClose(c, sum.MeanQuality, 21.75)
	checkClose(c, sum.MeanBaseQuality, 865.0/41)
	checkClose(c, sum.GCPercent, 1500.0/41)
	checkClose(c, sum.NPercent, 300.0/41)
	checkClose(c, sum.Q20Percent, 3100.0/41)
	checkClose(c, sum.Q30Percent, 1000.0/41)
	c.Check(sum.LengthHistogram, check.DeepEquals, map[int]int64{5: 1, 10: 2, 16: 1})
	c.Check(sum.QualityHistogram, check.DeepEquals, map[int]int64{2: 10, 20: 16, 25: 5, 40: 10})
	c.Check(sum.GCHistogram, check.HasLen, 101)
	c.Check(sum.GCHistogram[0], check.Equals, int64(1))
	c.Check(sum.GCHistogram[40], check.Equals, int64(1))
	c.Check(sum.GCHistogram[50], check.Equals, int64(1))
	c.Check(sum.GCHistogram[80], check.Equals, int64(1))
	c.Assert(sum.PerPosition, check.HasLen, 16)
	c.Check(sum.PerPosition[0], check.Equals, BaseCounts{A: 3, G: 1})
	c.Check(sum.PerPosition[4], check.Equals, BaseCounts{A: 2, C: 1, N: 1})
	c.Check(sum.PerPosition[15], check.Equals, BaseCounts{T: 1})
}

func (s *analyzeSuite) TestEmptyInput(c *check.C) {
	sum, err := AnalyzeReader(context.Background(), strings.NewReader(""), "empty.fastq", DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(sum.TotalSequences, check.Equals, int64(0))
	c.Check(sum.TotalBases, check.Equals, int64(0))
	c.Check(sum.GCPercent, check.IsNil)
	c.Check(sum.N50, check.IsNil)
	c.Check(sum.MeanQuality, check.IsNil)
	c.Check(sum.Q20Percent, check.IsNil)
	c.Check(sum.MeanLength, check.Equals, 0.0)
	c.Check(sum.LengthStdDev, check.Equals, 0.0)
	c.Check(sum.PerPosition, check.HasLen, 0)
}

func (s *analyzeSuite) TestSingleRecord(c *check.C) {
	sum, err := AnalyzeReader(context.Background(), strings.NewReader("@r\nACGT\n+\nIIII\n"), "one.fastq", DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(sum.TotalSequences, check.Equals, int64(1))
	checkClose(c, sum.MeanQuality, 40)
	checkClose(c, sum.GCPercent, 50)
	c.Check(sum.LengthHistogram, check.DeepEquals, map[int]int64{4: 1})
	c.Assert(sum.N50, check.NotNil)
	c.Check(*sum.N50, check.Equals, 4)
	c.Check(sum.LengthStdDev, check.Equals, 0.0)
	c.Check(sum.MedianLength, check.Equals, 4.0)
}

func (s *analyzeSuite) TestMalformedRecordAnywhere(c *check.C) {
	good := randomFastq(3, 2500, 10, 50)
	lines := strings.SplitAfter(string(good), "\n")
	for _, threads := range []int{1, 4} {
		for _, drop := range []int{1, 4*1000 + 2, len(lines) - 2} {
			// Dropping any one line leaves some record with 3
			// lines.
			bad := strings.Join(lines[:drop], "") + strings.Join(lines[drop+1:], "")
			cfg := DefaultConfig()
			cfg.ChunkSize = 100
			cfg.Threads = threads
			sum, err := AnalyzeReader(context.Background(), strings.NewReader(bad), "bad.fastq", cfg)
			c.Check(sum, check.IsNil)
			var perr *ParseError
			c.Check(errors.As(err, &perr), check.Equals, true, check.Commentf("threads=%d drop=%d err=%v", threads, drop, err))
		}
	}
}

func (s *analyzeSuite) TestQualityThreshold(c *check.C) {
	// nine 25s and one 24: mean quality 24.9
	input := "@r\nACGTACGTAC\n+\n:::::::::9\n"
	for _, trial := range []struct {
		threshold int
		poor      int64
	}{
		{25, 1},
		{24, 0},
	} {
		cfg := DefaultConfig()
		cfg.QualityThreshold = trial.threshold
		sum, err := AnalyzeReader(context.Background(), strings.NewReader(input), "q.fastq", cfg)
		c.Assert(err, check.IsNil)
		checkClose(c, sum.MeanQuality, 24.9)
		c.Check(sum.PoorQualitySequences, check.Equals, trial.poor)
		c.Check(sum.Parameters.QualityThreshold, check.Equals, trial.threshold)
	}
}

func (s *analyzeSuite) TestChunkSizeInvariance(c *check.C) {
	data := randomFastq(4, 3000, 1, 200)
	var expect *Summary
	for _, chunkSize := range []int{1, 7, 100, 10000, 100000} {
		cfg := DefaultConfig()
		cfg.ChunkSize = chunkSize
		sum, err := AnalyzeReader(context.Background(), bytes.NewReader(data), "x.fastq", cfg)
		c.Assert(err, check.IsNil)
		sum.Parameters.ChunkSize = 0
		if expect == nil {
			expect = sum
			c.Check(sum.TotalSequences, check.Equals, int64(3000))
			continue
		}
		c.Check(sum, check.DeepEquals, expect, check.Commentf("chunk size %d", chunkSize))
	}
}

func (s *analyzeSuite) TestThreadsInvariance(c *check.C) {
	data := randomFastq(5, 5000, 20, 150)
	var expect *Summary
	for _, threads := range []int{1, 2, 4, 8} {
		cfg := DefaultConfig()
		cfg.ChunkSize = 97
		cfg.Threads = threads
		sum, err := AnalyzeReader(context.Background(), bytes.NewReader(data), "x.fastq", cfg)
		c.Assert(err, check.IsNil)
		if expect == nil {
			expect = sum
			continue
		}
		c.Check(sum, check.DeepEquals, expect, check.Commentf("threads %d", threads))
	}
}

func (s *analyzeSuite) TestGzipMatchesPlain(c *check.C) {
	tmpdir := c.MkDir()
	data := randomFastq(6, 2000, 30, 120)
	plain := writeFile(c, tmpdir+"/reads.fastq", data)
	gz := writeGzipFile(c, tmpdir+"/reads.fastq.gz", data)

	s1, err := Analyze(context.Background(), plain, DefaultConfig())
	c.Assert(err, check.IsNil)
	s2, err := Analyze(context.Background(), gz, DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(s1.FileType, check.Equals, "FASTQ")
	c.Check(s2.FileType, check.Equals, "FASTQ (gzip compressed)")
	s1.Filename, s1.FileType = "", ""
	s2.Filename, s2.FileType = "", ""
	c.Check(s2, check.DeepEquals, s1)
}

func (s *analyzeSuite) TestLengthFilter(c *check.C) {
	cfg := DefaultConfig()
	cfg.MinLength = 6
	cfg.MaxLength = 12
	sum, err := Analyze(context.Background(), "testdata/small.fastq", cfg)
	c.Assert(err, check.IsNil)
	c.Check(sum.InputSequences, check.Equals, int64(4))
	c.Check(sum.FilteredSequences, check.Equals, int64(2))
	c.Check(sum.TotalSequences, check.Equals, int64(2))
	c.Check(sum.LengthHistogram, check.DeepEquals, map[int]int64{10: 2})
	c.Check(sum.PerPosition, check.HasLen, 10)
}

func (s *analyzeSuite) TestEmptyReadIsFiltered(c *check.C) {
	sum, err := AnalyzeReader(context.Background(), strings.NewReader("@a\n\n+\n\n@b\nAC\n+\nII\n"), "e.fastq", DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(sum.InputSequences, check.Equals, int64(2))
	c.Check(sum.FilteredSequences, check.Equals, int64(1))
	c.Check(sum.TotalSequences, check.Equals, int64(1))
	c.Check(sum.LengthHistogram, check.DeepEquals, map[int]int64{2: 1})
	c.Check(sum.MinLength, check.Equals, 2)
}

func (s *analyzeSuite) TestSkipOptions(c *check.C) {
	cfg := DefaultConfig()
	cfg.SkipN50 = true
	cfg.SkipPerBase = true
	sum, err := Analyze(context.Background(), "testdata/small.fastq", cfg)
	c.Assert(err, check.IsNil)
	c.Check(sum.N50, check.IsNil)
	c.Check(sum.PerPosition, check.IsNil)
	c.Check(sum.TotalSequences, check.Equals, int64(4))
}

func (s *analyzeSuite) TestSubsample(c *check.C) {
	data := randomFastq(7, 1000, 10, 100)
	run := func(chunkSize, threads int, seed uint64) *Summary {
		cfg := DefaultConfig()
		cfg.Subsample = 100
		cfg.SubsampleSeed = seed
		cfg.ChunkSize = chunkSize
		cfg.Threads = threads
		sum, err := AnalyzeReader(context.Background(), bytes.NewReader(data), "x.fastq", cfg)
		c.Assert(err, check.IsNil)
		sum.Parameters.ChunkSize = 0
		return sum
	}
	sum := run(10000, 1, 42)
	c.Check(sum.InputSequences, check.Equals, int64(1000))
	c.Check(sum.TotalSequences, check.Equals, int64(100))
	c.Check(sum.Subsampled, check.Equals, true)
	c.Check(sum.SubsampleSize, check.Equals, 100)
	c.Check(sum.Parameters.SubsampleSeed, check.Equals, uint64(42))

	c.Check(run(10000, 1, 42), check.DeepEquals, sum)
	c.Check(run(33, 1, 42).LengthHistogram, check.DeepEquals, sum.LengthHistogram)
	c.Check(run(33, 3, 42).PerPosition, check.DeepEquals, sum.PerPosition)
	c.Check(run(10000, 1, 1).LengthHistogram, check.Not(check.DeepEquals), sum.LengthHistogram)

	// Sample larger than the input: everything is analyzed.
	cfg := DefaultConfig()
	cfg.Subsample = 5000
	all, err := AnalyzeReader(context.Background(), bytes.NewReader(data), "x.fastq", cfg)
	c.Assert(err, check.IsNil)
	c.Check(all.TotalSequences, check.Equals, int64(1000))
	c.Check(all.Subsampled, check.Equals, false)
	c.Check(all.SubsampleSize, check.Equals, 0)
}

func (s *analyzeSuite) TestDecodeError(c *check.C) {
	input := "@a\nACGT\n+\nhhhh\n@b\nACGTACGT\n+\nhhhhhhhh\n@c\nACGT\n+\nhh#h\n"
	for _, threads := range []int{1, 3} {
		cfg := DefaultConfig()
		cfg.Encoding = Phred64
		cfg.ChunkSize = 1
		cfg.Threads = threads
		sum, err := AnalyzeReader(context.Background(), strings.NewReader(input), "p64.fastq", cfg)
		c.Check(sum, check.IsNil)
		var derr *DecodeError
		if c.Check(errors.As(err, &derr), check.Equals, true, check.Commentf("%v", err)) {
			c.Check(derr.Filename, check.Equals, "p64.fastq")
			c.Check(derr.Record, check.Equals, int64(2))
			c.Check(derr.Position, check.Equals, 2)
			c.Check(derr.Char, check.Equals, byte('#'))
		}

		// The bad record is skipped by the length filter, so it
		// is never decoded.
		cfg.MinLength = 5
		sum, err = AnalyzeReader(context.Background(), strings.NewReader(input), "p64.fastq", cfg)
		c.Check(err, check.IsNil)
		if c.Check(sum, check.NotNil) {
			c.Check(sum.TotalSequences, check.Equals, int64(1))
		}
	}
}

func (s *analyzeSuite) TestConfigErrorBeforeIO(c *check.C) {
	for _, trial := range []struct {
		modify func(*Config)
		option string
	}{
		{func(cfg *Config) { cfg.QualityThreshold = 30 }, "quality-threshold"},
		{func(cfg *Config) { cfg.QualityThreshold = -1 }, "quality-threshold"},
		{func(cfg *Config) { cfg.MinLength = 10; cfg.MaxLength = 5 }, "max-length"},
		{func(cfg *Config) { cfg.MinLength = -1 }, "min-length"},
		{func(cfg *Config) { cfg.ChunkSize = 0 }, "chunk-size"},
		{func(cfg *Config) { cfg.Subsample = -1 }, "subsample"},
		{func(cfg *Config) { cfg.Threads = 0 }, "threads"},
		{func(cfg *Config) { cfg.Encoding = Encoding(7) }, "encoding"},
	} {
		cfg := DefaultConfig()
		trial.modify(&cfg)
		sum, err := Analyze(context.Background(), "testdata/does-not-exist.fastq", cfg)
		c.Check(sum, check.IsNil)
		var cerr *ConfigError
		if c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("%v", err)) {
			c.Check(cerr.Option, check.Equals, trial.option)
		}
	}

	cfg := DefaultConfig()
	cfg.MinLength = 10
	cfg.MaxLength = 0
	c.Check(cfg.Check(), check.IsNil)
}

func (s *analyzeSuite) TestMissingFile(c *check.C) {
	sum, err := Analyze(context.Background(), "testdata/does-not-exist.fastq", DefaultConfig())
	c.Check(sum, check.IsNil)
	var ioerr *IOError
	c.Assert(errors.As(err, &ioerr), check.Equals, true)
	c.Check(ioerr.Filename, check.Equals, "testdata/does-not-exist.fastq")
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)
}

func (s *analyzeSuite) TestCancel(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := AnalyzeReader(ctx, bytes.NewReader(randomFastq(8, 100, 10, 20)), "x.fastq", DefaultConfig())
	c.Check(sum, check.IsNil)
	c.Check(err, check.Equals, context.Canceled)
}

func (s *analyzeSuite) TestAnalyzeFiles(c *check.C) {
	tmpdir := c.MkDir()
	d1 := randomFastq(9, 500, 10, 80)
	d2 := randomFastq(10, 700, 40, 160)
	f1 := writeFile(c, tmpdir+"/a.fastq", d1)
	f2 := writeGzipFile(c, tmpdir+"/b.fq.gz", d2)
	f3 := writeFile(c, tmpdir+"/ab.fastq", append(append([]byte(nil), d1...), d2...))

	sums, err := AnalyzeFiles(context.Background(), []string{f1, f2}, DefaultConfig(), 2, false)
	c.Assert(err, check.IsNil)
	c.Assert(sums, check.HasLen, 2)
	c.Check(sums[0].Filename, check.Equals, f1)
	c.Check(sums[0].TotalSequences, check.Equals, int64(500))
	c.Check(sums[1].Filename, check.Equals, f2)
	c.Check(sums[1].TotalSequences, check.Equals, int64(700))

	sums, err = AnalyzeFiles(context.Background(), []string{f1, f2}, DefaultConfig(), 2, true)
	c.Assert(err, check.IsNil)
	c.Assert(sums, check.HasLen, 1)
	combined := sums[0]
	c.Check(combined.Filename, check.Equals, f1+","+f2)
	c.Check(combined.FileType, check.Equals, "mixed")
	c.Check(combined.InputSequences, check.Equals, int64(1200))

	whole, err := Analyze(context.Background(), f3, DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(combined.TotalSequences, check.Equals, whole.TotalSequences)
	c.Check(combined.TotalBases, check.Equals, whole.TotalBases)
	c.Check(combined.LengthHistogram, check.DeepEquals, whole.LengthHistogram)
	c.Check(combined.QualityHistogram, check.DeepEquals, whole.QualityHistogram)
	c.Check(combined.GCHistogram, check.DeepEquals, whole.GCHistogram)
	c.Check(combined.PerPosition, check.DeepEquals, whole.PerPosition)
	c.Check(*combined.N50, check.Equals, *whole.N50)
	checkClose(c, combined.MeanQuality, *whole.MeanQuality)
}

func (s *analyzeSuite) TestAnalyzeFilesErrors(c *check.C) {
	tmpdir := c.MkDir()
	good := writeFile(c, tmpdir+"/good.fastq", randomFastq(11, 100, 10, 20))
	bad := writeFile(c, tmpdir+"/bad.fastq", []byte("@a\nACGT\n+\nIIII\n@b\nACGT\n"))

	sums, err := AnalyzeFiles(context.Background(), []string{good, bad, good}, DefaultConfig(), 2, false)
	c.Check(sums, check.IsNil)
	var perr *ParseError
	c.Check(errors.As(err, &perr), check.Equals, true, check.Commentf("%v", err))

	cfg := DefaultConfig()
	cfg.Subsample = 10
	sums, err = AnalyzeFiles(context.Background(), []string{good, good}, cfg, 1, true)
	c.Check(sums, check.IsNil)
	var cerr *ConfigError
	c.Check(errors.As(err, &cerr), check.Equals, true)

	sums, err = AnalyzeFiles(context.Background(), []string{good}, cfg, 1, true)
	c.Check(err, check.IsNil)
	c.Check(sums, check.HasLen, 1)
}
