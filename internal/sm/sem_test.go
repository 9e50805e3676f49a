package sm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestUpDownRoundTrip(t *testing.T) {
	var word atomic.Uint32
	s := New(&word, 0)

	done := make(chan error, 1)
	go func() {
		done <- s.Down(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("Down returned before Up: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Up()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Down: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Down did not wake up after Up")
	}
}

func TestDownTimeout(t *testing.T) {
	var word atomic.Uint32
	s := New(&word, 0)

	ok, err := s.DownTimeout(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("DownTimeout: %v", err)
	}
	if ok {
		t.Fatalf("expected timeout, got success")
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	var word atomic.Uint32
	s := New(&word, 0)

	done := make(chan error, 1)
	go func() {
		done <- s.Down(context.Background())
	}()

	time.AfterFunc(20*time.Millisecond, s.Close)

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked Down")
	}
}

func TestUpAfterCloseIsNoop(t *testing.T) {
	var word atomic.Uint32
	s := New(&word, 0)
	s.Close()
	s.Up() // must not panic or block
}
