// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Record is a single FASTQ read. Seq and Qual share a backing array
// that belongs to the record; they are not overwritten by subsequent
// reads.
type Record struct {
	Index int64 // 0-based position in the input
	ID    string
	Seq   []byte
	Qual  []byte
}

const maxLineLength = 64 * 1024 * 1024 // long-read platforms produce very long single-line reads

// recordSource yields chunks of records from a FASTQ stream. It is
// not restartable: to re-scan a file, open a new source.
type recordSource struct {
	filename  string
	chunkSize int
	scanner   *bufio.Scanner
	line      int64 // lines consumed so far
	records   int64 // records returned so far
	err       error // sticky: io.EOF or the first error
}

func newRecordSource(rdr io.Reader, filename string, chunkSize int) *recordSource {
	if chunkSize < 1 {
		chunkSize = 1
	}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	return &recordSource{
		filename:  filename,
		chunkSize: chunkSize,
		scanner:   scanner,
	}
}

// Next returns the next chunk of at most chunkSize records, or
// io.EOF after the last record. On any other error the partial chunk
// is discarded and the same error is returned by all subsequent
// calls.
func (src *recordSource) Next() ([]Record, error) {
	if src.err != nil {
		return nil, src.err
	}
	chunk := make([]Record, 0, src.chunkSize)
	for len(chunk) < src.chunkSize {
		rec, err := src.readRecord()
		if err == io.EOF {
			break
		} else if err != nil {
			src.err = err
			return nil, err
		}
		chunk = append(chunk, rec)
		src.records++
	}
	if len(chunk) == 0 {
		src.err = io.EOF
		return nil, io.EOF
	}
	return chunk, nil
}

// Records returns the number of records returned by Next so far.
func (src *recordSource) Records() int64 {
	return src.records
}

func (src *recordSource) readRecord() (Record, error) {
	header, err := src.nextLine()
	if err != nil {
		return Record{}, err
	}
	if len(header) == 0 {
		// Blank lines are tolerated only at the very end of
		// the input.
		for {
			buf, err := src.nextLine()
			if err != nil {
				return Record{}, err
			}
			if len(buf) > 0 {
				return Record{}, src.parseError(src.line, "unexpected blank line before record")
			}
		}
	}
	if header[0] != '@' {
		return Record{}, src.parseError(src.line, "header line does not start with '@'")
	}
	id := string(header[1:])

	seq, err := src.expectLine("sequence")
	if err != nil {
		return Record{}, err
	}
	// seq is only valid until the next Scan, so copy it now. The
	// quality line is appended to the same allocation below.
	buf := make([]byte, len(seq), 2*len(seq))
	copy(buf, seq)

	plus, err := src.expectLine("separator")
	if err != nil {
		return Record{}, err
	}
	if len(plus) == 0 || plus[0] != '+' {
		return Record{}, src.parseError(src.line, "separator line does not start with '+'")
	}

	qual, err := src.expectLine("quality")
	if err != nil {
		return Record{}, err
	}
	if len(qual) != len(buf) {
		return Record{}, src.parseError(src.line, "quality length does not match sequence length")
	}
	buf = append(buf, qual...)
	return Record{
		Index: src.records,
		ID:    id,
		Seq:   buf[:len(seq):len(seq)],
		Qual:  buf[len(seq):],
	}, nil
}

// expectLine returns the next line of the current record, turning
// end-of-input into a ParseError for a truncated record.
func (src *recordSource) expectLine(what string) ([]byte, error) {
	buf, err := src.nextLine()
	if err == io.EOF {
		return nil, src.parseError(src.line, "truncated record: missing "+what+" line")
	}
	return buf, err
}

func (src *recordSource) nextLine() ([]byte, error) {
	if !src.scanner.Scan() {
		if err := src.scanner.Err(); err != nil {
			return nil, &IOError{Filename: src.filename, Err: err}
		}
		return nil, io.EOF
	}
	src.line++
	return bytes.TrimSuffix(src.scanner.Bytes(), []byte{'\r'}), nil
}

func (src *recordSource) parseError(line int64, msg string) error {
	return &ParseError{
		Filename: src.filename,
		Record:   src.records,
		Line:     line,
		Msg:      msg,
	}
}

// fileType describes a FASTQ filename by its extension.
func fileType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".fastq.gz"), strings.HasSuffix(lower, ".fq.gz"):
		return "FASTQ (gzip compressed)"
	case strings.HasSuffix(lower, ".fastq"), strings.HasSuffix(lower, ".fq"):
		return "FASTQ"
	case strings.HasSuffix(lower, ".gz"):
		return "FASTQ (assumed, gzip compressed)"
	default:
		return "FASTQ (assumed)"
	}
}
