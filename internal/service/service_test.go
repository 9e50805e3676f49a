package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/errcode"
	"github.com/Barkhausen-Institut/NRE/internal/utcb"
)

type testState struct {
	invalidated chan struct{}
}

func (s *testState) Invalidate() { close(s.invalidated) }

type testFactory struct{}

func (testFactory) CreateSession(sc *SessionContext) (SessionState, error) {
	return &testState{invalidated: make(chan struct{})}, nil
}

func newTestService(t *testing.T, maxSessions int, cpus []int) (*Service, context.CancelFunc) {
	t.Helper()
	caps := capsel.New(4096)
	svc, err := New("test-service", caps, cpus, maxSessions, testFactory{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.ProvideOn(ctx)
	// Give ProvideOn's goroutines a moment to register the open portals.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := svc.OpenPortal(cpus[0]); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ProvideOn never registered its open portal")
		}
		time.Sleep(time.Millisecond)
	}
	return svc, cancel
}

// openSessionErr performs OPEN_SESSION without touching *testing.T, so
// it is safe to call from a goroutine spawned by a test.
func openSessionErr(svc *Service, cpu int) (id uint64, code errcode.Code, err error) {
	pt, ok := svc.OpenPortal(cpu)
	if !ok {
		return 0, 0, fmt.Errorf("no open portal for cpu %d", cpu)
	}
	f := utcb.NewFrame()
	f.PushTag(uint64(CmdOpenSession))
	if err := pt.Call(context.Background(), f); err != nil {
		return 0, 0, err
	}
	c, err := f.PopWord()
	if err != nil {
		return 0, 0, err
	}
	code = errcode.Code(c)
	if code == errcode.Success {
		id, err = f.PopWord()
		if err != nil {
			return 0, 0, err
		}
	}
	return id, code, nil
}

func openSession(t *testing.T, svc *Service, cpu int) (id uint64, code errcode.Code) {
	t.Helper()
	id, code, err := openSessionErr(svc, cpu)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	return id, code
}

func TestConcurrentOpenRespectsMaxSessions(t *testing.T) {
	svc, cancel := newTestService(t, 2, []int{0, 1})
	defer cancel()

	var wg sync.WaitGroup
	codes := make([]errcode.Code, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, code, err := openSessionErr(svc, 0)
			codes[i], errs[i] = code, err
		}(i)
	}
	wg.Wait()

	successes := 0
	capacity := 0
	for i, c := range codes {
		if errs[i] != nil {
			t.Fatalf("openSessionErr(%d): %v", i, errs[i])
		}
		switch c {
		case errcode.Success:
			successes++
		case errcode.Capacity:
			capacity++
		}
	}
	if successes != 2 || capacity != 1 {
		t.Fatalf("got %d successes and %d capacity errors, want 2 and 1 (codes=%v)", successes, capacity, codes)
	}
}

func TestCloseFreesSlotForReuse(t *testing.T) {
	svc, cancel := newTestService(t, 2, []int{0, 1})
	defer cancel()

	id1, code := openSession(t, svc, 0)
	if code != errcode.Success {
		t.Fatalf("first open: %v", code)
	}
	_, code = openSession(t, svc, 0)
	if code != errcode.Success {
		t.Fatalf("second open: %v", code)
	}
	if _, code := openSession(t, svc, 0); code != errcode.Capacity {
		t.Fatalf("third open should fail with Capacity, got %v", code)
	}

	var sess *Session
	svc.mu.Lock()
	v, ok := svc.byID.Find(id1)
	svc.mu.Unlock()
	if !ok {
		t.Fatalf("session %d not found", id1)
	}
	sess = v

	pt := sess.Portals[0]
	f := utcb.NewFrame()
	f.PushTag(uint64(CmdCloseSession))
	if err := pt.Call(context.Background(), f); err != nil {
		t.Fatalf("close call: %v", err)
	}
	c, _ := f.PopWord()
	if errcode.Code(c) != errcode.Success {
		t.Fatalf("close: %v", errcode.Code(c))
	}

	if _, code := openSession(t, svc, 1); code != errcode.Success {
		t.Fatalf("open after close should reuse the vacated slot, got %v", code)
	}
}

func TestInvalidateOrderingUnderDispatch(t *testing.T) {
	svc, cancel := newTestService(t, 2, []int{0})
	defer cancel()

	id, code := openSession(t, svc, 0)
	if code != errcode.Success {
		t.Fatalf("open: %v", code)
	}
	svc.mu.Lock()
	sess, _ := svc.byID.Find(id)
	svc.mu.Unlock()

	// Simulate an in-flight dispatch holding a reference across the
	// concurrent close below.
	if !sess.acquire() {
		t.Fatalf("acquire should succeed before close")
	}

	f := utcb.NewFrame()
	f.PushTag(uint64(CmdCloseSession))
	if err := sess.Portals[0].Call(context.Background(), f); err != nil {
		t.Fatalf("close call: %v", err)
	}
	c, _ := f.PopWord()
	if errcode.Code(c) != errcode.Success {
		t.Fatalf("close: %v", errcode.Code(c))
	}

	state := sess.state.(*testState)
	select {
	case <-state.invalidated:
	default:
		t.Fatal("Invalidate should run synchronously within close, even with an outstanding reference")
	}

	svc.mu.Lock()
	deferredLen := svc.deferred.Len()
	svc.mu.Unlock()
	if deferredLen != 1 {
		t.Fatalf("session should still be on the deferred list while a reference is held, got len %d", deferredLen)
	}

	// Dropping the held reference is what finalizes the session.
	sess.release()

	svc.mu.Lock()
	deferredLen = svc.deferred.Len()
	svc.mu.Unlock()
	if deferredLen != 0 {
		t.Fatalf("session should be finalized once the last reference drops, got deferred len %d", deferredLen)
	}
}

func TestSessionPeerIdentifiesSessionAndCPU(t *testing.T) {
	svc, cancel := newTestService(t, 2, []int{0, 3})
	defer cancel()

	id, code := openSession(t, svc, 0)
	if code != errcode.Success {
		t.Fatalf("open: %v", code)
	}
	svc.mu.Lock()
	sess, _ := svc.byID.Find(id)
	svc.mu.Unlock()

	p := sess.Peer(1)
	want := fmt.Sprintf("session:%d@cpu3", id)
	if p.Addr.String() != want {
		t.Fatalf("Peer(1).Addr = %q, want %q", p.Addr.String(), want)
	}
}

func TestParentRegistryScopesByCurrentCPU(t *testing.T) {
	reg := NewParentRegistry()
	svc, cancel := newTestService(t, 2, []int{0, 2})
	defer cancel()

	if err := svc.Reg(reg); err != nil {
		t.Fatalf("Reg: %v", err)
	}

	if _, err := reg.Lookup("test-service", 0); err != nil {
		t.Fatalf("lookup on registered cpu 0: %v", err)
	}
	if _, err := reg.Lookup("test-service", 1); err == nil {
		t.Fatalf("expected lookup on unregistered cpu 1 to fail")
	}
}

func TestRegIsIdempotentWithSameCPUSet(t *testing.T) {
	reg := NewParentRegistry()
	svc, cancel := newTestService(t, 2, []int{0, 1})
	defer cancel()

	if err := svc.Reg(reg); err != nil {
		t.Fatalf("first Reg: %v", err)
	}
	if err := svc.Reg(reg); err != nil {
		t.Fatalf("retry Reg with same cpu set should be idempotent: %v", err)
	}
}
