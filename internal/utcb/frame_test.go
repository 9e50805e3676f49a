package utcb

import (
	"testing"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
)

func TestWordPushPopOrder(t *testing.T) {
	f := NewFrame()
	f.PushWord(1)
	f.PushWord(2)
	f.PushWord(3)

	for _, want := range []uint64{1, 2, 3} {
		got, err := f.PopWord()
		if err != nil {
			t.Fatalf("PopWord: %v", err)
		}
		if got != want {
			t.Fatalf("PopWord() = %d, want %d", got, want)
		}
	}
	if _, err := f.PopWord(); err != ErrFrameUnderflow {
		t.Fatalf("expected underflow, got %v", err)
	}
}

func TestResetReplaysItemsFromStart(t *testing.T) {
	f := NewFrame()
	f.PushItem(Item{Sel: 1, Kind: Delegate})
	f.PushItem(Item{Sel: 2, Kind: Translate})

	if _, err := f.PopItem(); err != nil {
		t.Fatalf("PopItem: %v", err)
	}
	f.Reset()

	it, err := f.PopItem()
	if err != nil {
		t.Fatalf("PopItem after Reset: %v", err)
	}
	if it.Sel != 1 {
		t.Fatalf("Reset did not rewind to the first item, got sel %d", it.Sel)
	}
}

func TestClearRevokesDelegationWindow(t *testing.T) {
	f := NewFrame()
	f.PushWord(7)
	f.SetDelegationWindow(capsel.Sel(10), 4)

	f.Clear()

	if w, i := f.Remaining(); w != 0 || i != 0 {
		t.Fatalf("Clear left %d words, %d items", w, i)
	}
	base, count := f.DelegationWindow()
	if base != capsel.Invalid || count != 0 {
		t.Fatalf("Clear did not revoke delegation window: base=%v count=%d", base, count)
	}
}

func TestMetadataView(t *testing.T) {
	f := NewFrame()
	f.MD().Set("client", "demo")
	if got := f.MD().Get("client"); len(got) != 1 || got[0] != "demo" {
		t.Fatalf("MD() = %v", got)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	f := NewFrame()
	if got := f.Payload(); got != nil {
		t.Fatalf("Payload() on a fresh frame = %v, want nil", got)
	}
	f.SetPayloadBytes([]byte("hello"))
	if got := string(f.Payload()); got != "hello" {
		t.Fatalf("Payload() = %q, want %q", got, "hello")
	}
}

func TestClearDropsPayload(t *testing.T) {
	f := NewFrame()
	f.SetPayloadBytes([]byte("hello"))
	f.Clear()
	if got := f.Payload(); got != nil {
		t.Fatalf("Clear did not drop the payload, got %v", got)
	}
}
