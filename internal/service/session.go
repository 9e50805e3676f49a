package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc/peer"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/coll"
	"github.com/Barkhausen-Institut/NRE/internal/kobj"
	"github.com/Barkhausen-Institut/NRE/internal/utcb"
)

// SessionState is the subclass-attached, per-client state a
// SessionFactory produces. Invalidate is called exactly once when the
// service tears the session down (§4.7's subclass contract).
type SessionState interface {
	Invalidate()
}

// RequestHandler is the optional interface a SessionState implements
// to handle command tags the Service itself doesn't recognize
// (anything beyond OPEN_SESSION/SHARE_DATASPACE/CLOSE_SESSION). tag is
// the command tag dispatchSession already popped off f, so a handler
// for more than one custom command can still switch on it.
type RequestHandler interface {
	HandleRequest(ctx context.Context, cpuIndex int, tag uint64, f *utcb.Frame) error
}

// DataspaceReceiver is the optional interface a SessionState implements
// to accept a SHARE_DATASPACE delegation.
type DataspaceReceiver interface {
	SetDataspace(mapSel capsel.Sel, smSel capsel.Sel) error
}

// SessionContext is handed to SessionFactory.CreateSession so it can
// attach per-client producers/consumers/state (§4.7).
type SessionContext struct {
	ID      uint64
	Args    []uint64
	Portals []*kobj.Pt
}

// SessionFactory is the subclass contract: create_session(id, args,
// caps, dispatch_fn) -> Session* from §4.7, expressed as attaching
// opaque SessionState rather than subclassing.
type SessionFactory interface {
	CreateSession(sc *SessionContext) (SessionState, error)
}

// Session is per-client state: a portal sub-set, reference counting
// with deferred destruction, and the invalidate() hook (§3 "Session").
type Session struct {
	ID         uint64
	slot       int
	PortalBase capsel.Sel
	Portals    []*kobj.Pt

	state SessionState
	svc   *Service

	refcount    atomic.Int32
	invalidated atomic.Bool

	dlink coll.ListNode[*Session]
}

// acquire takes a read-side reference, RCU-style: it fails once the
// session has been (or is concurrently being) invalidated, so a
// dispatcher never runs against a session mid-teardown.
func (s *Session) acquire() bool {
	if s.invalidated.Load() {
		return false
	}
	s.refcount.Add(1)
	if s.invalidated.Load() {
		// Lost the race with close(): back out and let the closer finalize.
		s.release()
		return false
	}
	return true
}

// release drops a reference taken by acquire. If this was the last
// reference on an already-invalidated session, the session is
// finalized now — this is what makes "closing while a dispatch is in
// flight" safe (§4.4): the dispatch's own reference defers finalization.
func (s *Session) release() {
	if s.refcount.Add(-1) == 0 && s.invalidated.Load() {
		s.svc.finalize(s)
	}
}

// sessionAddr identifies a dispatch by session id and CPU, reusing
// grpc/peer's net.Addr-based identity shape instead of a bespoke struct.
type sessionAddr struct {
	id  uint64
	cpu int
}

func (a sessionAddr) Network() string { return "nre" }
func (a sessionAddr) String() string  { return fmt.Sprintf("session:%d@cpu%d", a.id, a.cpu) }

// Peer returns the calling identity for a dispatch reaching cpuIndex
// (an index into Portals, not a raw CPU number), for handlers that want
// to log or key state by client identity.
func (s *Session) Peer(cpuIndex int) *peer.Peer {
	cpu := cpuIndex
	if s.svc != nil && cpuIndex >= 0 && cpuIndex < len(s.svc.cpus) {
		cpu = s.svc.cpus[cpuIndex]
	}
	return &peer.Peer{Addr: sessionAddr{id: s.ID, cpu: cpu}}
}
