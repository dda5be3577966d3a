// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"fmt"
	"io"
	"strings"
)

// Encoding selects the ASCII offset of FASTQ quality characters.
type Encoding int

const (
	Phred33 Encoding = iota
	Phred64
)

func (enc Encoding) Offset() int {
	if enc == Phred64 {
		return 64
	}
	return 33
}

func (enc Encoding) String() string {
	if enc == Phred64 {
		return "phred64"
	}
	return "phred33"
}

func (enc Encoding) MarshalText() ([]byte, error) {
	return []byte(enc.String()), nil
}

func (enc *Encoding) UnmarshalText(text []byte) error {
	e, err := ParseEncoding(string(text))
	if err != nil {
		return err
	}
	*enc = e
	return nil
}

// Set and the String method above make *Encoding a flag.Value.
func (enc *Encoding) Set(s string) error {
	return enc.UnmarshalText([]byte(s))
}

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "phred33", "sanger", "illumina1.8":
		return Phred33, nil
	case "phred64", "illumina1.3", "illumina1.5":
		return Phred64, nil
	default:
		return Phred33, &ConfigError{Option: "encoding", Msg: fmt.Sprintf("%q is not phred33 or phred64", s)}
	}
}

// decodeQuality converts qual to Phred scores, reusing dst's backing
// array if it is big enough. A character below the encoding's offset
// is an error, never clamped.
func decodeQuality(qual []byte, enc Encoding, dst []int) ([]int, error) {
	offset := enc.Offset()
	if cap(dst) < len(qual) {
		dst = make([]int, len(qual))
	}
	dst = dst[:len(qual)]
	for i, q := range qual {
		score := int(q) - offset
		if score < 0 {
			return nil, &DecodeError{Record: -1, Position: i, Char: q, Encoding: enc}
		}
		dst[i] = score
	}
	return dst, nil
}

// encodeQuality is the inverse of decodeQuality.
func encodeQuality(scores []int, enc Encoding) []byte {
	offset := enc.Offset()
	qual := make([]byte, len(scores))
	for i, s := range scores {
		qual[i] = byte(s + offset)
	}
	return qual
}

// detectEncoding guesses the encoding from the quality strings of the
// first maxRecords records. Characters below ':' only occur in
// Phred+33 data; if every character is at least '@' the data is
// assumed to be Phred+64. Anything else, including an empty input, is
// reported as Phred+33. The second return value is false when the
// guess is a default rather than evidence.
func detectEncoding(src *recordSource, maxRecords int) (Encoding, bool, error) {
	minQual := byte(0xff)
	seen := 0
	for seen < maxRecords {
		chunk, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return Phred33, false, err
		}
		for _, rec := range chunk {
			for _, q := range rec.Qual {
				if q < minQual {
					minQual = q
				}
			}
			seen++
		}
	}
	switch {
	case seen == 0 || minQual == 0xff:
		return Phred33, false, nil
	case minQual < ':':
		return Phred33, true, nil
	case minQual >= '@':
		return Phred64, true, nil
	default:
		return Phred33, false, nil
	}
}
