package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfFromErrorRoundTrip(t *testing.T) {
	for _, c := range []Code{Success, ArgsInvalid, Capacity, NotFound, Exists, Abort, Failure} {
		err := Of(c)
		got := FromError(err)
		if got != c {
			t.Fatalf("Of(%v) round-tripped to %v", c, got)
		}
	}
}

func TestErrorsIsMatchesSentinel(t *testing.T) {
	wrapped := fmt.Errorf("opening session: %w", ErrCapacity)
	if !errors.Is(wrapped, ErrCapacity) {
		t.Fatalf("errors.Is should match the wrapped sentinel")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, c := range []Code{ArgsInvalid, Capacity, NotFound, Exists, Abort, Failure} {
		st := c.ToStatus()
		if got := FromStatus(st); got != c {
			t.Fatalf("FromStatus(ToStatus(%v)) = %v", c, got)
		}
	}
}
