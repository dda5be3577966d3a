// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"context"
	"errors"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

const progressInterval = 1000000

// Analyze reads the FASTQ file at path (gzip-compressed if the name
// ends in ".gz") and returns its Summary. If any error occurs, the
// Summary is nil.
func Analyze(ctx context.Context, path string, cfg Config) (*Summary, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	acc, meta, err := analyzeFile(ctx, path, &cfg)
	if err != nil {
		return nil, err
	}
	return buildSummary(acc, meta), nil
}

// AnalyzeReader is like Analyze, but reads uncompressed FASTQ data
// from rdr. The filename is only used in the Summary and in error
// messages.
func AnalyzeReader(ctx context.Context, rdr io.Reader, filename string, cfg Config) (*Summary, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	a := newAnalysis(filename, &cfg)
	err := a.run(ctx, newRecordSource(rdr, filename, cfg.ChunkSize))
	if err != nil {
		return nil, err
	}
	return buildSummary(a.acc, a.metadata()), nil
}

// AnalyzeFiles analyzes each of the given files, running up to
// parallel analyses at a time. It returns one Summary per file, in
// the order given. If combine is true, it returns a single Summary of all
// reads in all files. The first error cancels the remaining analyses.
func AnalyzeFiles(ctx context.Context, paths []string, cfg Config, parallel int, combine bool) ([]*Summary, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if combine && cfg.Subsample > 0 && len(paths) > 1 {
		return nil, &ConfigError{Option: "subsample", Msg: "cannot be used when combining multiple input files"}
	}
	if parallel < 1 {
		parallel = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	accs := make([]*Accumulator, len(paths))
	metas := make([]runMetadata, len(paths))
	thr := &throttle{Max: parallel}
	for i, path := range paths {
		i, path := i, path
		if thr.Err() != nil {
			break
		}
		thr.Go(func() error {
			acc, meta, err := analyzeFile(ctx, path, &cfg)
			if err != nil {
				// Report before cancel, so the error from
				// a sibling noticing the cancellation
				// doesn't win.
				thr.Report(err)
				cancel()
				return err
			}
			accs[i], metas[i] = acc, meta
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}

	if !combine || len(paths) == 1 {
		summaries := make([]*Summary, len(paths))
		for i := range paths {
			summaries[i] = buildSummary(accs[i], metas[i])
		}
		return summaries, nil
	}

	combined := newAccumulator(&cfg)
	meta := runMetadata{Config: cfg}
	var names, types []string
	for i := range paths {
		combined.Merge(accs[i])
		meta.InputSequences += metas[i].InputSequences
		meta.FilteredSequences += metas[i].FilteredSequences
		names = append(names, metas[i].Filename)
		if len(types) == 0 || types[0] != metas[i].FileType {
			types = append(types, metas[i].FileType)
		}
	}
	meta.Filename = strings.Join(names, ",")
	meta.FileType = types[0]
	if len(types) > 1 {
		meta.FileType = "mixed"
	}
	return []*Summary{buildSummary(combined, meta)}, nil
}

func analyzeFile(ctx context.Context, path string, cfg *Config) (*Accumulator, runMetadata, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, runMetadata{}, &IOError{Filename: path, Err: err}
	}
	defer f.Close()
	a := newAnalysis(path, cfg)
	err = a.run(ctx, newRecordSource(f, path, cfg.ChunkSize))
	if err != nil {
		return nil, runMetadata{}, err
	}
	err = f.Close()
	if err != nil {
		return nil, runMetadata{}, &IOError{Filename: path, Err: err}
	}
	return a.acc, a.metadata(), nil
}

// analysis tracks the state of a single run: source -> length filter
// -> (sampler) -> decode -> fold.
type analysis struct {
	filename string
	cfg      *Config
	filter   readFilter
	sample   *reservoir
	acc      *Accumulator
	input    int64
	filtered int64
}

func newAnalysis(filename string, cfg *Config) *analysis {
	a := &analysis{
		filename: filename,
		cfg:      cfg,
		filter:   cfg.filter(),
		acc:      newAccumulator(cfg),
	}
	if cfg.Subsample > 0 {
		a.sample = newReservoir(cfg.Subsample, cfg.SubsampleSeed)
	}
	return a
}

func (a *analysis) run(ctx context.Context, src *recordSource) error {
	folder := newChunkFolder(ctx, a.acc, a.cfg.Encoding, a.filename, a.cfg.Threads)
	for {
		if err := ctx.Err(); err != nil {
			folder.Close()
			return err
		}
		chunk, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			folder.Close()
			return err
		}
		before := a.input
		a.input = src.Records()
		if a.input/progressInterval > before/progressInterval {
			log.Infof("%s: read %d records", a.filename, a.input)
		}
		kept := a.filter.Apply(chunk)
		a.filtered += int64(len(chunk) - len(kept))
		log.Debugf("%s: chunk of %d records, %d kept", a.filename, len(chunk), len(kept))
		if a.sample != nil {
			a.sample.Offer(kept)
			continue
		}
		if len(kept) == 0 {
			continue
		}
		if err := folder.Send(kept); err != nil {
			return folder.abort(err)
		}
	}
	if a.sample != nil {
		log.Debugf("%s: folding %d sampled records out of %d", a.filename, len(a.sample.records), a.sample.Seen())
		for _, chunk := range a.sample.Chunks(a.cfg.ChunkSize) {
			if err := folder.Send(chunk); err != nil {
				return folder.abort(err)
			}
		}
	}
	if err := folder.Close(); err != nil {
		return err
	}
	log.Infof("%s: analyzed %d of %d records (%d rejected by length filter)", a.filename, a.acc.TotalSequences, a.input, a.filtered)
	return nil
}

func (a *analysis) metadata() runMetadata {
	return runMetadata{
		Filename:          a.filename,
		FileType:          fileType(a.filename),
		Config:            *a.cfg,
		InputSequences:    a.input,
		FilteredSequences: a.filtered,
		Subsampled:        a.sample != nil && a.sample.Seen() > int64(a.cfg.Subsample),
	}
}

// decodeChunk decodes the quality strings of chunk. All scores for
// the chunk share a single allocation.
func decodeChunk(chunk []Record, enc Encoding, filename string) ([]decodedRecord, error) {
	total := 0
	for i := range chunk {
		total += len(chunk[i].Qual)
	}
	scores := make([]int, total)
	out := make([]decodedRecord, len(chunk))
	for i := range chunk {
		rec := &chunk[i]
		dst, err := decodeQuality(rec.Qual, enc, scores[:len(rec.Qual):len(rec.Qual)])
		if err != nil {
			var derr *DecodeError
			if errors.As(err, &derr) {
				derr.Filename = filename
				derr.Record = rec.Index
			}
			return nil, err
		}
		scores = scores[len(rec.Qual):]
		var sum float64
		for _, q := range dst {
			sum += float64(q)
		}
		mean := 0.0
		if len(dst) > 0 {
			mean = sum / float64(len(dst))
		}
		out[i] = decodedRecord{Seq: rec.Seq, Scores: dst, MeanQuality: mean}
	}
	return out, nil
}

type decodeResult struct {
	records []decodedRecord
	err     error
}

// chunkFolder decodes chunks and folds them into an Accumulator in
// the order they were sent. With threads > 1, decoding runs on up to
// threads goroutines, but only one goroutine ever touches the
// Accumulator.
type chunkFolder struct {
	ctx      context.Context
	acc      *Accumulator
	enc      Encoding
	filename string
	thr      *throttle
	pending  chan chan decodeResult
	done     chan error
	closed   bool
	err      error
}

func newChunkFolder(ctx context.Context, acc *Accumulator, enc Encoding, filename string, threads int) *chunkFolder {
	cf := &chunkFolder{ctx: ctx, acc: acc, enc: enc, filename: filename}
	if threads > 1 {
		cf.thr = &throttle{Max: threads}
		cf.pending = make(chan chan decodeResult, threads)
		cf.done = make(chan error, 1)
		go cf.foldPending()
	}
	return cf
}

// Send queues a chunk. It returns an error if a previously sent chunk
// could not be decoded.
func (cf *chunkFolder) Send(chunk []Record) error {
	if cf.thr == nil {
		recs, err := decodeChunk(chunk, cf.enc, cf.filename)
		if err != nil {
			return err
		}
		cf.acc.Fold(recs)
		return nil
	}
	if err := cf.thr.Err(); err != nil {
		return err
	}
	resch := make(chan decodeResult, 1)
	select {
	case cf.pending <- resch:
	case <-cf.ctx.Done():
		return cf.ctx.Err()
	}
	cf.thr.Acquire()
	go func() {
		defer cf.thr.Release()
		recs, err := decodeChunk(chunk, cf.enc, cf.filename)
		cf.thr.Report(err)
		resch <- decodeResult{records: recs, err: err}
	}()
	return nil
}

// foldPending folds decoded chunks in the order they were sent. After
// the first error it only drains the queue.
func (cf *chunkFolder) foldPending() {
	var err error
	for resch := range cf.pending {
		res := <-resch
		if err != nil {
			continue
		} else if res.err != nil {
			err = res.err
			continue
		}
		cf.acc.Fold(res.records)
	}
	cf.done <- err
}

// abort stops folding after Send failed. It returns the earliest
// error in input order, which is not necessarily err.
func (cf *chunkFolder) abort(err error) error {
	if cerr := cf.Close(); cerr != nil {
		return cerr
	}
	return err
}

// Close waits for all queued chunks to be folded and returns the
// first decoding error, in input order. It is safe to call more than
// once.
func (cf *chunkFolder) Close() error {
	if cf.closed {
		return cf.err
	}
	cf.closed = true
	if cf.thr != nil {
		close(cf.pending)
		cf.thr.Wait()
		cf.err = <-cf.done
	}
	return cf.err
}
