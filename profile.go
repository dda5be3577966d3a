// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// startProfiling writes mem.prof and cpu.prof (a one-second CPU
// sample) to outdir every interval, until stop is called. Profiles
// are replaced atomically, so outdir always holds complete files.
func startProfiling(outdir string, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if err := writeProfile(outdir, "mem.prof", writeHeapProfile); err != nil {
				log.Warnf("error writing heap profile: %s", err)
			}
			if err := writeProfile(outdir, "cpu.prof", sampleCPUProfile); err != nil {
				log.Warnf("error writing cpu profile: %s", err)
			}
		}
	}()
	return func() { close(done) }
}

func writeHeapProfile(w io.Writer) error {
	runtime.GC()
	return pprof.WriteHeapProfile(w)
}

func sampleCPUProfile(w io.Writer) error {
	if err := pprof.StartCPUProfile(w); err != nil {
		return err
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	return nil
}

func writeProfile(outdir, name string, write func(io.Writer) error) error {
	tmp := outdir + "/" + name + "~"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = write(f); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, outdir+"/"+name)
}
