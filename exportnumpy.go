// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file` (output of stats command)")
	outputFilename := flags.String("o", "-", "output `file`")
	index := flags.Int("n", 0, "export the `N`th summary in the input (0-based)")
	table := flags.String("table", "perbase", "table to export: perbase (positions x ACGTN), gc (101 GC% bins), or length (length, count pairs)")
	percent := flags.Bool("percent", false, "export perbase table as float64 percentages instead of counts")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	switch *table {
	case "perbase", "gc", "length":
	default:
		err = fmt.Errorf("unknown table %q", *table)
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "fqstats export-numpy",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true",
			fmt.Sprintf("-n=%d", *index),
			"-table=" + *table,
			fmt.Sprintf("-percent=%v", *percent),
			"-i", *inputFilename,
			"-o", "/mnt/output/" + *table + ".npy",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+*table+".npy")
		return 0
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	summaries, err := readSummaries(input)
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	if *index < 0 || *index >= len(summaries) {
		err = fmt.Errorf("cannot export summary %d: input has %d summaries", *index, len(summaries))
		return 1
	}
	s := summaries[*index]
	if *table == "perbase" && s.Parameters.SkipPerBase {
		err = fmt.Errorf("cannot export perbase table: %s was analyzed with -skip-perbase", s.Filename)
		return 1
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	switch {
	case *table == "gc":
		npw.Shape = []int{len(s.GCHistogram)}
		err = npw.WriteInt64(s.GCHistogram)
	case *table == "length":
		out, rows := lengths2array(s.LengthHistogram)
		npw.Shape = []int{rows, 2}
		err = npw.WriteInt64(out)
	case *percent:
		npw.Shape = []int{len(s.PerPosition), numBases}
		err = npw.WriteFloat64(perbase2percent(s.PerPosition))
	default:
		npw.Shape = []int{len(s.PerPosition), numBases}
		err = npw.WriteInt64(perbase2array(s.PerPosition))
	}
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// perbase2array returns the per-position table as a row-major
// positions x 5 matrix, columns in ACGTN order.
func perbase2array(rows []BaseCounts) []int64 {
	data := make([]int64, 0, len(rows)*numBases)
	for _, bc := range rows {
		data = append(data, bc.A, bc.C, bc.G, bc.T, bc.N)
	}
	return data
}

func perbase2percent(rows []BaseCounts) []float64 {
	data := make([]float64, 0, len(rows)*numBases)
	for _, bc := range rows {
		pct := bc.Percent()
		data = append(data, pct[:]...)
	}
	return data
}

// lengths2array returns (length, count) pairs sorted by length.
func lengths2array(hist map[int]int64) (data []int64, rows int) {
	lengths := make([]int, 0, len(hist))
	for length := range hist {
		lengths = append(lengths, length)
	}
	sort.Ints(lengths)
	data = make([]int64, 0, len(lengths)*2)
	for _, length := range lengths {
		data = append(data, int64(length), hist[length])
	}
	return data, len(lengths)
}
