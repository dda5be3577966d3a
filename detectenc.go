// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type detectEncodingCmd struct{}

func (cmd *detectEncodingCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] file.fastq[.gz] [...]\n", prog)
		flags.PrintDefaults()
	}
	maxRecords := flags.Int("records", 10000, "examine the first `N` records of each file")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *maxRecords < 1 {
		err = &ConfigError{Option: "records", Msg: "must be at least 1"}
		return 2
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	bufw := bufio.NewWriter(stdout)
	for _, fnm := range inputs {
		var enc Encoding
		var certain bool
		enc, certain, err = detectFileEncoding(fnm, stdin, *maxRecords)
		if err != nil {
			return 1
		}
		how := "detected"
		if !certain {
			how = "default"
			log.Warnf("%s: quality characters are ambiguous, assuming %s", fnm, enc)
		}
		fmt.Fprintf(bufw, "%s\t%s\t%s\n", fnm, enc, how)
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}

func detectFileEncoding(fnm string, stdin io.Reader, maxRecords int) (Encoding, bool, error) {
	chunkSize := maxRecords
	if chunkSize > 10000 {
		chunkSize = 10000
	}
	if fnm == "-" {
		return detectEncoding(newRecordSource(stdin, fnm, chunkSize), maxRecords)
	}
	f, err := zopen(fnm)
	if err != nil {
		return Phred33, false, &IOError{Filename: fnm, Err: err}
	}
	defer f.Close()
	return detectEncoding(newRecordSource(f, fnm, chunkSize), maxRecords)
}
