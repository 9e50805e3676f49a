// Package ring implements the lock-free single-producer/single-consumer
// ring whose buffer lives in a shared dataspace, signalled by a
// counting semaphore external to the buffer (§3, §4.5, §8).
//
// Grounded on the teacher's ring.go (ShmRing: atomic rpos/wpos stored
// directly in mmap'd bytes, accessed via unsafe.Pointer casts to
// sync/atomic types) and conn.go's close-wakes-all teardown; the exact
// fill/drain invariants and the power-of-two capacity rule come from
// original_source/nre/include/ipc/Producer.h.
package ring

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/Barkhausen-Institut/NRE/internal/sm"
)

// ErrClosed is returned by Consumer.Get once the ring has been closed.
var ErrClosed = sm.ErrClosed

const headerSize = 16 // two machine words: rpos, wpos

// Ring is the shared header+buffer pair a Producer and a Consumer view
// from opposite ends. Construct it over a dataspace's backing bytes
// with New (the designated initializer) or Attach (the joining side).
type Ring[T any] struct {
	mem      []byte
	n        uint64
	mask     uint64
	elemSize uintptr
	sem      *sm.Sem
}

func prevPow2(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	n := uint64(1)
	for n*2 <= v {
		n *= 2
	}
	return n
}

func newRing[T any](mem []byte, sem *sm.Sem, initialize bool) (*Ring[T], error) {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	if elemSize == 0 {
		return nil, fmt.Errorf("ring: element type has zero size")
	}
	if len(mem) < headerSize+int(elemSize) {
		return nil, fmt.Errorf("ring: dataspace too small to hold even one slot")
	}
	avail := uint64(len(mem)-headerSize) / uint64(elemSize)
	n := prevPow2(avail)
	if n < 2 {
		return nil, fmt.Errorf("ring: dataspace too small to hold even one slot")
	}
	r := &Ring[T]{mem: mem, n: n, mask: n - 1, elemSize: elemSize, sem: sem}
	if initialize {
		r.rposAtomic().Store(0)
		r.wposAtomic().Store(0)
	}
	return r, nil
}

// New creates a ring over mem and sets rpos=wpos=0, for the party
// designated as initializer (by convention the creator of the
// dataspace, §4.5 "Initialization").
func New[T any](mem []byte, sem *sm.Sem) (*Ring[T], error) {
	return newRing[T](mem, sem, true)
}

// Attach joins an existing ring without touching rpos/wpos. The
// caller must not use it before the initializer's ordering has been
// established out-of-band (typically the portal round-trip that
// delegated the dataspace and semaphore).
func Attach[T any](mem []byte, sem *sm.Sem) (*Ring[T], error) {
	return newRing[T](mem, sem, false)
}

// Cap returns the ring's slot count N (a power of two; N-1 usable).
func (r *Ring[T]) Cap() uint64 { return r.n }

func (r *Ring[T]) rposAtomic() *atomic.Uint64 { return (*atomic.Uint64)(unsafe.Pointer(&r.mem[0])) }
func (r *Ring[T]) wposAtomic() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.mem[8]))
}

func (r *Ring[T]) slot(i uint64) *T {
	off := uintptr(headerSize) + uintptr(i)*r.elemSize
	return (*T)(unsafe.Pointer(&r.mem[off]))
}

// Close marks the ring closed and wakes every blocked waiter on either
// side (SPEC_FULL, "SPSC ring close/wake-all protocol").
func (r *Ring[T]) Close() {
	r.sem.Close()
}

// Producer returns this ring's write end.
func (r *Ring[T]) Producer() *Producer[T] { return &Producer[T]{r: r} }

// Consumer returns this ring's read end. When noBlock is true, Get
// returns (nil, false, nil) on empty instead of blocking.
func (r *Ring[T]) Consumer(noBlock bool) *Consumer[T] { return &Consumer[T]{r: r, noBlock: noBlock} }

// Producer is the write end of a Ring.
type Producer[T any] struct {
	r *Ring[T]
}

// Current returns a write slot if the ring is not full, else ok=false.
func (p *Producer[T]) Current() (slot *T, ok bool) {
	rpos := p.r.rposAtomic().Load()
	wpos := p.r.wposAtomic().Load()
	next := (wpos + 1) & p.r.mask
	if next == rpos {
		return nil, false
	}
	return p.r.slot(wpos), true
}

// Next advances wpos by one slot (a release store, matched by the
// consumer's acquire load of the same word) and ups the shared
// semaphore. A failure from Up (peer closed, futex error) is swallowed
// inside Sem.Up itself — see DESIGN.md's decision on Producer.up()'s
// blanket exception-swallowing.
func (p *Producer[T]) Next() {
	wpos := p.r.wposAtomic().Load()
	next := (wpos + 1) & p.r.mask
	p.r.wposAtomic().Store(next)
	p.r.sem.Up()
}

// Produce is the non-blocking current+store+next convenience; it
// returns false if the ring is full.
func (p *Producer[T]) Produce(v T) bool {
	slot, ok := p.Current()
	if !ok {
		return false
	}
	*slot = v
	p.Next()
	return true
}

// Consumer is the read end of a Ring.
type Consumer[T any] struct {
	r       *Ring[T]
	noBlock bool
}

// HasData reports whether rpos != wpos.
func (c *Consumer[T]) HasData() bool {
	return c.r.rposAtomic().Load() != c.r.wposAtomic().Load()
}

// Get returns the next unread slot, blocking on the semaphore when
// empty unless the consumer was constructed non-blocking, in which
// case it returns (nil, false, nil) on empty.
func (c *Consumer[T]) Get(ctx context.Context) (slot *T, ok bool, err error) {
	if !c.HasData() {
		if c.noBlock {
			return nil, false, nil
		}
		if err := c.r.sem.Down(ctx); err != nil {
			return nil, false, err
		}
	}
	if !c.HasData() {
		return nil, false, nil
	}
	return c.r.slot(c.r.rposAtomic().Load()), true, nil
}

// Next issues a release fence and advances rpos by one slot.
func (c *Consumer[T]) Next() {
	rpos := c.r.rposAtomic().Load()
	next := (rpos + 1) & c.r.mask
	c.r.rposAtomic().Store(next)
}
