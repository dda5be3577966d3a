// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"flag"
	"fmt"
)

// Config holds the options that affect the statistics computed for a
// run. It is fixed before the first record is read.
type Config struct {
	Encoding             Encoding
	QualityThreshold     int
	HighQualityThreshold int
	MinLength            int
	MaxLength            int // 0 means unbounded
	ChunkSize            int
	Subsample            int // 0 means analyze every record
	SubsampleSeed        uint64
	SkipN50              bool
	SkipPerBase          bool
	Threads              int
}

func DefaultConfig() Config {
	return Config{
		Encoding:             Phred33,
		QualityThreshold:     20,
		HighQualityThreshold: 30,
		ChunkSize:            10000,
		SubsampleSeed:        42,
		Threads:              1,
	}
}

// Flags registers command line flags for cfg, using cfg's current
// values as defaults.
func (cfg *Config) Flags(flags *flag.FlagSet) {
	flags.Var(&cfg.Encoding, "encoding", "quality score `encoding` (phred33 or phred64)")
	flags.IntVar(&cfg.QualityThreshold, "quality-threshold", cfg.QualityThreshold, "reads with mean quality below `Q` are counted as poor quality")
	flags.IntVar(&cfg.HighQualityThreshold, "high-quality-threshold", cfg.HighQualityThreshold, "reads with mean quality at or above `Q` are counted as high quality")
	flags.IntVar(&cfg.MinLength, "min-length", cfg.MinLength, "skip reads shorter than `N` bases")
	flags.IntVar(&cfg.MaxLength, "max-length", cfg.MaxLength, "skip reads longer than `N` bases (0 = no limit)")
	flags.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "read `N` records at a time")
	flags.IntVar(&cfg.Subsample, "subsample", cfg.Subsample, "analyze a random sample of `N` reads (0 = all reads)")
	flags.Uint64Var(&cfg.SubsampleSeed, "subsample-seed", cfg.SubsampleSeed, "PRNG `seed` for -subsample")
	flags.BoolVar(&cfg.SkipN50, "skip-n50", cfg.SkipN50, "do not compute N50")
	flags.BoolVar(&cfg.SkipPerBase, "skip-perbase", cfg.SkipPerBase, "do not compute per-position base composition")
	flags.IntVar(&cfg.Threads, "threads", cfg.Threads, "decode quality strings using `N` goroutines")
}

// Check returns a *ConfigError if cfg is unusable.
func (cfg *Config) Check() error {
	switch {
	case cfg.Encoding != Phred33 && cfg.Encoding != Phred64:
		return &ConfigError{Option: "encoding", Msg: fmt.Sprintf("unknown encoding %d", int(cfg.Encoding))}
	case cfg.QualityThreshold < 0:
		return &ConfigError{Option: "quality-threshold", Msg: "must not be negative"}
	case cfg.QualityThreshold >= cfg.HighQualityThreshold:
		return &ConfigError{Option: "quality-threshold", Msg: fmt.Sprintf("%d is not below high-quality-threshold %d", cfg.QualityThreshold, cfg.HighQualityThreshold)}
	case cfg.MinLength < 0:
		return &ConfigError{Option: "min-length", Msg: "must not be negative"}
	case cfg.MaxLength < 0:
		return &ConfigError{Option: "max-length", Msg: "must not be negative"}
	case cfg.MaxLength > 0 && cfg.MaxLength < cfg.MinLength:
		return &ConfigError{Option: "max-length", Msg: fmt.Sprintf("%d is less than min-length %d", cfg.MaxLength, cfg.MinLength)}
	case cfg.ChunkSize < 1:
		return &ConfigError{Option: "chunk-size", Msg: "must be at least 1"}
	case cfg.Subsample < 0:
		return &ConfigError{Option: "subsample", Msg: "must not be negative"}
	case cfg.Threads < 1:
		return &ConfigError{Option: "threads", Msg: "must be at least 1"}
	}
	return nil
}

func (cfg *Config) filter() readFilter {
	return readFilter{MinLength: cfg.MinLength, MaxLength: cfg.MaxLength}
}

// Args returns command line arguments that reproduce cfg when parsed
// by a FlagSet set up with Flags.
func (cfg *Config) Args() []string {
	return []string{
		"-encoding=" + cfg.Encoding.String(),
		fmt.Sprintf("-quality-threshold=%d", cfg.QualityThreshold),
		fmt.Sprintf("-high-quality-threshold=%d", cfg.HighQualityThreshold),
		fmt.Sprintf("-min-length=%d", cfg.MinLength),
		fmt.Sprintf("-max-length=%d", cfg.MaxLength),
		fmt.Sprintf("-chunk-size=%d", cfg.ChunkSize),
		fmt.Sprintf("-subsample=%d", cfg.Subsample),
		fmt.Sprintf("-subsample-seed=%d", cfg.SubsampleSeed),
		fmt.Sprintf("-skip-n50=%v", cfg.SkipN50),
		fmt.Sprintf("-skip-perbase=%v", cfg.SkipPerBase),
		fmt.Sprintf("-threads=%d", cfg.Threads),
	}
}
