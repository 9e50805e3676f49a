package kobj

import (
	"context"
	"sync/atomic"

	"github.com/Barkhausen-Institut/NRE/internal/sm"
)

// Exit protocol sentinel addresses (§6 "Exit protocol"). A real kernel
// recognizes these as page faults whose faulting address encodes the
// reason, rather than as a syscall; this runtime has no page-fault
// path to hook, so ExitAddress and ThreadExitAddress only compute the
// addresses. A GlobalThread whose entry function returns records its
// THREAD_EXIT address in an unexported field; nothing jumps to it.

const (
	// ExitCodeNum bounds the low bits of a voluntary process exit's
	// faulting address to one of this many distinct exit codes.
	ExitCodeNum = 256
	// ExitStart is the base of the voluntary-process-exit address range.
	ExitStart uintptr = 0x7ffffffd_d000
	// ThreadExit is the base address a voluntary thread exit jumps to.
	ThreadExit uintptr = 0x7ffffffd_e000
	// stackSentinel is OR-ed into the thread id to mark "stack/UTCB
	// owned by the thread itself", matching the zero-address convention
	// spec.md §6 describes.
	stackSentinel uintptr = 1 << 63
)

// ExitAddress computes the sentinel address for a voluntary process
// exit with the given code.
func ExitAddress(code int) uintptr {
	return ExitStart + uintptr(code&(ExitCodeNum-1))
}

// ThreadExitInfo captures the architectural-register-equivalent state
// a voluntary thread exit would have carried.
type ThreadExitInfo struct {
	Addr      uintptr
	ThreadID  uint64
	StackAddr uintptr
	UTCBAddr  uintptr
	SelfOwned bool
}

// ThreadExitAddress computes the THREAD_EXIT-relative info for a
// thread giving up stack/UTCB ownership (selfOwned) or not.
func ThreadExitAddress(threadID uint64, stackAddr, utcbAddr uintptr, selfOwned bool) ThreadExitInfo {
	id := threadID
	if selfOwned {
		id |= uint64(stackSentinel)
	}
	return ThreadExitInfo{
		Addr:      ThreadExit,
		ThreadID:  id,
		StackAddr: stackAddr,
		UTCBAddr:  utcbAddr,
		SelfOwned: selfOwned,
	}
}

// SchedParams is a GlobalThread's quantum/priority descriptor (Qpd).
type SchedParams struct {
	Quantum  int
	Priority int
}

// GlobalThread owns a scheduling context and runs application code,
// as opposed to a LocalThread, which only handles portal calls (§4.6).
type GlobalThread struct {
	id       uint64
	cpu      int
	entry    func(ctx context.Context)
	exitWord atomic.Uint32
	exitSem  *sm.Sem
	started  atomic.Bool

	lastExitAddr uintptr
}

// NewGlobalThread creates a thread bound to cpu that will run entry
// once started.
func NewGlobalThread(id uint64, cpu int, entry func(ctx context.Context)) *GlobalThread {
	t := &GlobalThread{id: id, cpu: cpu, entry: entry}
	t.exitSem = sm.New(&t.exitWord, 0)
	return t
}

// CPU returns the thread's bound CPU.
func (t *GlobalThread) CPU() int { return t.cpu }

// Start runs the thread's entry function on a new goroutine. qpd is
// accepted but not applied: no scheduling context is created, and the
// goroutine gets no quantum or priority of its own. Start may
// only be called once; subsequent calls are no-ops (mirrors the
// original's single Ec/Sc pair per GlobalThread).
func (t *GlobalThread) Start(ctx context.Context, qpd SchedParams) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		t.entry(ctx)
		// Landing-address equivalent: tell the parent which stack/UTCB
		// to reclaim, then become joinable. This is the only permitted
		// way for a GlobalThread to end, per §4.6.
		t.lastExitAddr = ThreadExitAddress(t.id, 0, 0, true).Addr
		t.exitSem.Up()
	}()
}

// Join blocks until the thread's entry function has returned.
func (t *GlobalThread) Join(ctx context.Context) error {
	return t.exitSem.Down(ctx)
}

// JoinAll blocks until every thread in threads has exited.
func JoinAll(ctx context.Context, threads []*GlobalThread) error {
	for _, t := range threads {
		if err := t.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}
