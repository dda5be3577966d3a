// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type statscmd struct {
	cfg      Config
	combine  bool
	parallel int
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	cmd.cfg = DefaultConfig()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] file.fastq[.gz] [...]\n", prog)
		flags.PrintDefaults()
	}
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	outputFilename := flags.String("o", "-", "output `file`")
	profileDir := flags.String("profile-dir", "", "write mem.prof and cpu.prof to `dir` every minute")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.BoolVar(&cmd.combine, "combine", false, "report a single summary of all input files")
	flags.IntVar(&cmd.parallel, "parallel", 1, "analyze up to `N` input files at a time")
	cmd.cfg.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	// Reject bad options here, rather than after waiting for a
	// container.
	err = cmd.cfg.Check()
	if err != nil {
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
		for _, input := range inputs {
			if input == "-" {
				err = errors.New("cannot read stdin in container mode")
				return 1
			}
		}
		runner := arvadosContainerRunner{
			Name:        "fqstats stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         8000000000,
			VCPUs:       cmd.cfg.Threads * cmd.parallel,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append([]string{"stats", "-local=true",
			"-loglevel=" + *loglevel,
			fmt.Sprintf("-combine=%v", cmd.combine),
			fmt.Sprintf("-parallel=%d", cmd.parallel),
			"-o", "/mnt/output/stats.json",
		}, cmd.cfg.Args()...)
		runner.Args = append(runner.Args, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	if *profileDir != "" {
		stop := startProfiling(*profileDir, time.Minute)
		defer stop()
	}

	var summaries []*Summary
	summaries, err = cmd.analyze(context.Background(), inputs, stdin)
	if err != nil {
		return 1
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeSummaries(bufw, summaries)
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

func (cmd *statscmd) analyze(ctx context.Context, inputs []string, stdin io.Reader) ([]*Summary, error) {
	if len(inputs) == 1 && inputs[0] == "-" {
		s, err := AnalyzeReader(ctx, stdin, "-", cmd.cfg)
		if err != nil {
			return nil, err
		}
		return []*Summary{s}, nil
	}
	for _, input := range inputs {
		if input == "-" {
			return nil, errors.New("cannot combine stdin with other input files")
		}
	}
	return AnalyzeFiles(ctx, inputs, cmd.cfg, cmd.parallel, cmd.combine)
}

// writeSummaries writes each summary as an indented JSON document.
func writeSummaries(w io.Writer, summaries []*Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, s := range summaries {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

// readSummaries reads a stream of JSON-encoded summaries, as written
// by the stats command.
func readSummaries(r io.Reader) ([]*Summary, error) {
	var summaries []*Summary
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var s Summary
		err := dec.Decode(&s)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("error decoding summary %d: %w", len(summaries), err)
		}
		summaries = append(summaries, &s)
	}
	if len(summaries) == 0 {
		return nil, errors.New("no summaries found in input")
	}
	return summaries, nil
}
