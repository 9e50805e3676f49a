// Package utcb implements the stack-discipline message frame carried
// over a portal call (§3 "UtcbFrame", §4.3 Portal).
//
// The frame shape — untyped words and typed capability items each
// popped in the order they were pushed, plus a delegation window the
// handler can fill in — follows original_source/nre/include/ipc/*'s
// message-frame discipline. The teacher's own frame.go sketches a
// similar header+payload shape but calls ring methods absent from the
// rest of that package snapshot (ReserveFrameHeader, WriteAll,
// ReadSlices); only the framing idea carries over, not that API.
package utcb

import (
	"errors"

	"google.golang.org/grpc/mem"
	"google.golang.org/grpc/metadata"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
)

// ErrFrameUnderflow is returned by a Pop when the frame has fewer
// remaining words/items than requested.
var ErrFrameUnderflow = errors.New("utcb: frame underflow")

// ItemKind distinguishes a delegated (moved) capability item from a
// translated (mapped-in-place) one.
type ItemKind int

const (
	Delegate ItemKind = iota
	Translate
)

// Item is one typed capability item carried in the frame.
type Item struct {
	Sel  capsel.Sel
	Kind ItemKind
}

// Frame is the per-call message buffer: an untyped-word region, a
// typed-item region, and a delegation window the handler may fill in
// with capabilities it chooses to hand back.
type Frame struct {
	words []uint64
	rWord int

	items []Item
	rItem int

	delegationBase  capsel.Sel
	delegationCount uint64

	md      metadata.MD
	payload mem.BufferSlice
}

// NewFrame returns an empty frame ready for writing.
func NewFrame() *Frame {
	return &Frame{delegationBase: capsel.Invalid}
}

// PushWord appends an untyped word.
func (f *Frame) PushWord(w uint64) { f.words = append(f.words, w) }

// PopWord consumes the next untyped word in push order.
func (f *Frame) PopWord() (uint64, error) {
	if f.rWord >= len(f.words) {
		return 0, ErrFrameUnderflow
	}
	w := f.words[f.rWord]
	f.rWord++
	return w, nil
}

// PushItem appends a typed capability item.
func (f *Frame) PushItem(it Item) { f.items = append(f.items, it) }

// PopItem consumes the next typed item in push order.
func (f *Frame) PopItem() (Item, error) {
	if f.rItem >= len(f.items) {
		return Item{}, ErrFrameUnderflow
	}
	it := f.items[f.rItem]
	f.rItem++
	return it, nil
}

// PushTag writes a command tag as the frame's first untyped word; by
// convention callers push it before anything else (§6 "first untyped
// word is an integer command tag").
func (f *Frame) PushTag(tag uint64) { f.PushWord(tag) }

// PopTag reads the command tag.
func (f *Frame) PopTag() (uint64, error) { return f.PopWord() }

// SetDelegationWindow designates the range of capability slots the
// handler may delegate typed items into.
func (f *Frame) SetDelegationWindow(base capsel.Sel, count uint64) {
	f.delegationBase = base
	f.delegationCount = count
}

// DelegationWindow returns the current delegation window.
func (f *Frame) DelegationWindow() (capsel.Sel, uint64) {
	return f.delegationBase, f.delegationCount
}

// RevokeDelegationWindow clears the delegation window. §7 requires
// this on every error reply path before the frame is handed back.
func (f *Frame) RevokeDelegationWindow() {
	f.delegationBase = capsel.Invalid
	f.delegationCount = 0
}

// Reset rewinds the read cursors to the start without discarding
// contents, so a caller can iterate a reply's items from the
// beginning — §4.3: "the frame's read/write cursors reset on return so
// the caller can iterate response items from the start".
func (f *Frame) Reset() {
	f.rWord = 0
	f.rItem = 0
}

// Clear empties the frame entirely and revokes its delegation window.
// §7 requires this before writing an error reply, so a client never
// observes partial delegation on failure.
func (f *Frame) Clear() {
	f.words = f.words[:0]
	f.items = f.items[:0]
	f.rWord, f.rItem = 0, 0
	f.RevokeDelegationWindow()
	f.md = nil
	f.payload.Free()
	f.payload = nil
}

// MD returns the frame's tagged string-metadata view, creating it if
// absent. This rides alongside the untyped/typed regions for
// session-level tags (client identity, options) the way a gRPC
// stream's out-of-band data would, per the teacher's reason for
// existing (DOMAIN STACK: google.golang.org/grpc/metadata).
func (f *Frame) MD() metadata.MD {
	if f.md == nil {
		f.md = metadata.MD{}
	}
	return f.md
}

// SetMD replaces the frame's metadata view outright.
func (f *Frame) SetMD(md metadata.MD) { f.md = md }

// SetPayload attaches a raw byte blob to the frame, for commands that
// need to move more data than a handful of untyped words without
// going through a dataspace share. It rides in a mem.BufferSlice the
// way the teacher's own write path hands bulk data to a transport
// (DOMAIN STACK: google.golang.org/grpc/mem), so a caller that pools
// buffers can hand one in directly instead of forcing a copy.
func (f *Frame) SetPayload(b mem.Buffer) {
	f.payload = mem.BufferSlice{b}
}

// SetPayloadBytes is the common case of SetPayload: wrap a plain
// []byte with no pooling.
func (f *Frame) SetPayloadBytes(b []byte) {
	f.SetPayload(mem.SliceBuffer(b))
}

// Payload materializes the frame's raw byte payload into a single
// slice. It returns nil if none was set.
func (f *Frame) Payload() []byte {
	if f.payload == nil {
		return nil
	}
	return f.payload.Materialize()
}

// Remaining reports how many unread words and items are left.
func (f *Frame) Remaining() (words, items int) {
	return len(f.words) - f.rWord, len(f.items) - f.rItem
}
