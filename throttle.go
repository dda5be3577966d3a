// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"sync"
	"sync/atomic"
)

// throttle limits the number of concurrently running goroutines to
// Max and remembers the first error reported by any of them.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan struct{}
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan struct{}, t.Max) })
	t.wg.Add(1)
	t.ch <- struct{}{}
}

func (t *throttle) Release() {
	<-t.ch
	t.wg.Done()
}

// Go waits for a free slot, then runs fn in a new goroutine and
// reports its error.
func (t *throttle) Go(fn func() error) {
	t.Acquire()
	go func() {
		defer t.Release()
		t.Report(fn())
	}()
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
