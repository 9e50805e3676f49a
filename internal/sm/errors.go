package sm

import "errors"

// ErrClosed is returned by Down/DownTimeout once the semaphore has been
// closed, so a blocked waiter can tell a peer's deliberate teardown apart
// from an ordinary wakeup.
var ErrClosed = errors.New("sm: semaphore closed")

// classifyFutexErr maps the errno values a futex syscall can legitimately
// return into either "spin again" (nil) or a real error. Grounded on the
// teacher's futex_errors.go, which classifies EAGAIN/EINTR as retry and
// ETIMEDOUT as a distinct, non-fatal result rather than an error.
func classifyFutexErr(errno error) error {
	switch errno {
	case nil:
		return nil
	case errEAGAIN, errEINTR:
		// The word changed (or a signal arrived) between our load and the
		// syscall; the caller's loop will reload and retry.
		return nil
	case errETIMEDOUT:
		return errTimeout
	default:
		return errno
	}
}

var errTimeout = errors.New("sm: futex wait timed out")

// errUnavailable marks a non-authoritative fallback wait (see
// futex_stub.go): the wait woke up for an unknown reason and the
// caller should just reload and retry rather than treat it as an error.
var errUnavailable = errors.New("sm: futex wait unavailable on this platform")
