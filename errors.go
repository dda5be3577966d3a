// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"fmt"
)

// IOError reports a missing or unreadable input, or a read failure
// partway through a stream.
type IOError struct {
	Filename string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: read error: %s", e.Filename, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError reports a record that does not decompose into a header
// line, sequence line, separator line and quality line of matching
// length. Record is the 0-based index of the offending record, Line
// is the 1-based line number where the problem was detected.
type ParseError struct {
	Filename string
	Record   int64
	Line     int64
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: line %d: record %d: %s", e.Filename, e.Line, e.Record, e.Msg)
}

// DecodeError reports a quality character below the configured
// encoding's offset, which usually means the wrong -encoding was
// given.
type DecodeError struct {
	Filename string
	Record   int64 // -1 if not known
	Position int   // 0-based offset within the quality string
	Char     byte
	Encoding Encoding
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("quality character %q at position %d is below the %s offset (%d)", e.Char, e.Position, e.Encoding, e.Encoding.Offset())
	if e.Record >= 0 {
		msg = fmt.Sprintf("%s: record %d: %s", e.Filename, e.Record, msg)
	}
	return msg
}

// ConfigError reports an invalid combination of options. It is
// returned before any input is opened.
type ConfigError struct {
	Option string
	Msg    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Option, e.Msg)
}
