// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package dispatch

import (
	"context"
	"sync"
	"time"
)

// inFlight tracks the set of outstanding HTTP calls as a count, observable
// for metrics and for the shutdown drain. Callers do not wait on individual
// calls, only on the set reaching zero.
type inFlight struct {
	mu     sync.Mutex
	count  int
	zeroCh chan struct{}
}

func newInFlight() *inFlight {
	ch := make(chan struct{})
	close(ch)
	return &inFlight{zeroCh: ch}
}

func (f *inFlight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		f.zeroCh = make(chan struct{})
	}
	f.count++
}

func (f *inFlight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count--
	if f.count <= 0 {
		f.count = 0
		close(f.zeroCh)
	}
}

// Count returns the current number of outstanding calls.
func (f *inFlight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// WaitZero blocks until the in-flight set is empty, the context is
// canceled, or timeout elapses, whichever happens first. It returns true if
// the set reached zero.
func (f *inFlight) WaitZero(ctx context.Context, timeout time.Duration) bool {
	f.mu.Lock()
	ch := f.zeroCh
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
