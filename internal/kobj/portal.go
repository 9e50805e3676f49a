// Package kobj implements the kernel-object-facing primitives bound to
// a CPU: Pt (portal), LocalThread (portal-handling, no scheduling
// context) and GlobalThread (time-receiving, owns a scheduling
// context), per §4.3/§4.6.
package kobj

import (
	"context"

	"google.golang.org/grpc/status"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/utcb"
)

// PortalHandler runs on the invoker's behalf when its bound Pt is
// called. It must leave the frame ready for the caller to read (or
// clear it and revoke the delegation window on error, per §7).
type PortalHandler func(ctx context.Context, f *utcb.Frame) error

// LocalThread handles portal calls for one CPU and has no scheduling
// context of its own — it runs exactly one handler at a time, which is
// what makes "one local handler thread per configured CPU" give each
// CPU's dispatch serial semantics while different CPUs run
// concurrently (§5).
type LocalThread struct {
	cpu  int
	work chan ptCall
	done chan struct{}
}

type ptCall struct {
	ctx     context.Context
	frame   *utcb.Frame
	handler PortalHandler
	result  chan error
}

// NewLocalThread creates the handler thread for a CPU. Call Run to
// start serving calls; Run blocks until ctx is done.
func NewLocalThread(cpu int) *LocalThread {
	return &LocalThread{cpu: cpu, work: make(chan ptCall), done: make(chan struct{})}
}

// CPU returns the logical CPU this thread is bound to.
func (lt *LocalThread) CPU() int { return lt.cpu }

// Run serves portal calls until ctx is cancelled.
func (lt *LocalThread) Run(ctx context.Context) error {
	defer close(lt.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-lt.work:
			c.result <- runHandler(c.ctx, c.frame, c.handler)
		}
	}
}

func runHandler(ctx context.Context, f *utcb.Frame, h PortalHandler) error {
	defer f.Reset()
	return h(ctx, f)
}

// Pt is a portal: a kernel IPC endpoint bound at creation to a
// LocalThread on a specific CPU (§4.3).
type Pt struct {
	Sel     capsel.Sel
	thread  *LocalThread
	handler PortalHandler
}

// Create binds a new portal to thread, dispatching calls to handler.
func Create(sel capsel.Sel, thread *LocalThread, handler PortalHandler) *Pt {
	return &Pt{Sel: sel, thread: thread, handler: handler}
}

// CPU returns the CPU this portal's bound thread runs on.
func (p *Pt) CPU() int { return p.thread.cpu }

// Call performs the synchronous IPC: the caller blocks while the
// bound handler runs on the portal's CPU using f as its message
// buffer, then f's cursors are reset so the caller can read the reply
// from the start.
func (p *Pt) Call(ctx context.Context, f *utcb.Frame) error {
	result := make(chan error, 1)
	select {
	case p.thread.work <- ptCall{ctx: ctx, frame: f, handler: p.handler, result: result}:
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}
