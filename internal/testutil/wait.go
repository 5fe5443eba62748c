// Package testutil holds polling helpers for tests that observe background
// workers (dispatcher queues, container executors).
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
	message  string
}

// WaitOption tunes a wait.
type WaitOption func(*waitOptions)

// WithTimeout bounds the wait (default 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithInterval sets the polling period (default 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.interval = d }
}

// WithMessage replaces the failure message of the Must variants.
func WithMessage(msg string) WaitOption {
	return func(o *waitOptions) { o.message = msg }
}

func resolve(opts []WaitOption) waitOptions {
	o := waitOptions{timeout: 10 * time.Second, interval: 20 * time.Millisecond, message: "timed out waiting for condition"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it holds or the timeout elapses. The
// condition is checked one last time at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.interval)
	defer tick.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-deadline.C:
			return condition()
		case <-tick.C:
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal(resolve(opts).message)
	}
}

// MustReach waits until counter is at least target.
func MustReach(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, func() bool { return counter.Load() >= target }, opts...) {
		tb.Fatalf("%s: counter at %d, want %d", resolve(opts).message, counter.Load(), target)
	}
}
