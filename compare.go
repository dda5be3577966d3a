// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type comparecmd struct{}

func (cmd *comparecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] a.json b.json\n", prog)
		flags.PrintDefaults()
	}
	ignore := flags.String("ignore", "Filename,FileType", "comma-separated `fields` to leave out of the comparison")
	exitCode := flags.Bool("exit-code", false, "exit 1 if the summaries differ")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 2 {
		flags.Usage()
		return 2
	}

	var summaries [2]*Summary
	for i, fnm := range flags.Args() {
		summaries[i], err = readSummaryFile(fnm)
		if err != nil {
			return 1
		}
	}
	var ignoreFields []string
	if *ignore != "" {
		ignoreFields = strings.Split(*ignore, ",")
	}
	diff, err := diffSummaries(summaries[0], summaries[1], ignoreFields)
	if err != nil {
		return 1
	}
	if diff == "" {
		fmt.Fprintln(stderr, "summaries are identical")
		return 0
	}
	bufw := bufio.NewWriter(stdout)
	fmt.Fprintf(bufw, "--- %s\n+++ %s\n", flags.Arg(0), flags.Arg(1))
	bufw.WriteString(diff)
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	if *exitCode {
		return 1
	}
	return 0
}

func readSummaryFile(fnm string) (*Summary, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	summaries, err := readSummaries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(summaries) > 1 {
		return nil, fmt.Errorf("%s: contains %d summaries, expected 1", fnm, len(summaries))
	}
	return summaries[0], nil
}

// diffSummaries returns a line diff of the flattened JSON forms of a
// and b (see summaryText), omitting the given top-level fields. Only
// changed lines are included, prefixed with "-" or "+". The result is
// empty if there are no differences.
func diffSummaries(a, b *Summary, ignore []string) (string, error) {
	ta, err := summaryText(a, ignore)
	if err != nil {
		return "", err
	}
	tb, err := summaryText(b, ignore)
	if err != nil {
		return "", err
	}
	if ta == tb {
		return "", nil
	}
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(ta, tb)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)
	var out strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\n")
			}
		}
	}
	return out.String(), nil
}

// summaryText returns the JSON form of s as one "path = value" line
// per leaf, e.g. "Parameters.MinLength = 6", "GCHistogram[40] = 1",
// "PerPosition[0].A = 3". Object keys are sorted, numerically where
// both are integers.
func summaryText(s *Summary, ignore []string) (string, error) {
	buf, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	err = dec.Decode(&generic)
	if err != nil {
		return "", err
	}
	for _, field := range ignore {
		delete(generic, strings.TrimSpace(field))
	}
	var out strings.Builder
	err = flattenJSON(&out, "", generic)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func flattenJSON(out *strings.Builder, path string, v interface{}) error {
	switch v := v.(type) {
	case map[string]interface{}:
		if len(v) == 0 && path != "" {
			fmt.Fprintf(out, "%s = {}\n", path)
			return nil
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			ki, erri := strconv.Atoi(keys[i])
			kj, errj := strconv.Atoi(keys[j])
			if erri == nil && errj == nil {
				return ki < kj
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			kpath := k
			if path != "" {
				kpath = path + "." + k
			}
			if err := flattenJSON(out, kpath, v[k]); err != nil {
				return err
			}
		}
	case []interface{}:
		if len(v) == 0 {
			fmt.Fprintf(out, "%s = []\n", path)
			return nil
		}
		for i, elem := range v {
			if err := flattenJSON(out, fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
				return err
			}
		}
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %s\n", path, buf)
	}
	return nil
}
