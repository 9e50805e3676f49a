// Package sm implements the counting, kernel-backed semaphore used to
// signal ring non-emptiness and for blocking sleeps (§4 "Semaphore").
//
// The word a Sem operates on typically lives inside a dataspace page
// shared between two processes; on Linux/amd64/arm64 Down blocks on it
// with a real futex wait, so a peer process's Up wakes this process
// directly without polling. See futex_stub.go for the portable fallback.
package sm

import (
	"context"
	"sync/atomic"
	"time"
)

// Sem is a counting semaphore over a single uint32 word.
type Sem struct {
	word   *atomic.Uint32
	closed atomic.Bool
}

// New wraps an existing word (e.g. one obtained from a dataspace-backed
// ring header) as a semaphore, initializing it to initial. The caller
// must be the party responsible for initializing shared state (spec
// §4.5's "designated initializer") or pass a private word.
func New(word *atomic.Uint32, initial uint32) *Sem {
	word.Store(initial)
	return &Sem{word: word}
}

// Attach wraps an existing word without reinitializing it, for the
// non-initializing side of a round-trip.
func Attach(word *atomic.Uint32) *Sem {
	return &Sem{word: word}
}

// Up increments the count and wakes one waiter. Per spec §8's scenario
// 3 and design note on Producer.up(), a failure here (peer gone, futex
// syscall error) is swallowed: it is not the up-caller's error to
// report, and propagating it would turn a disconnected peer into a
// producer-side failure.
func (s *Sem) Up() {
	if s.closed.Load() {
		return
	}
	s.word.Add(1)
	_ = futexWake(s.word, 1)
}

// Down blocks until a matching Up, or until ctx is done, or until the
// semaphore is closed.
func (s *Sem) Down(ctx context.Context) error {
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		v := s.word.Load()
		if v > 0 {
			if s.word.CompareAndSwap(v, v-1) {
				return nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Bound the wait so we periodically recheck ctx and the closed
		// flag even on platforms where futexWake can't target us directly.
		const slice = 50 * time.Millisecond
		err := futexWait(s.word, v, int64(slice))
		if err != nil && err != errTimeout {
			return err
		}
	}
}

// DownTimeout behaves like Down but gives up after d, returning
// (false, nil) on timeout rather than blocking indefinitely.
func (s *Sem) DownTimeout(d time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := s.Down(ctx)
	if err == context.DeadlineExceeded {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close marks the semaphore closed and wakes every current and future
// waiter, matching the ring's close-wakes-all teardown (SPEC_FULL,
// "SPSC ring close/wake-all protocol").
func (s *Sem) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = futexWake(s.word, 1<<30)
}

// Closed reports whether Close has been called.
func (s *Sem) Closed() bool {
	return s.closed.Load()
}
