// nre-echo is a small standalone program exercising the core runtime
// types end to end in a single process: a Service with a custom
// request tag, a dataspace shared into a session, a ring built on top
// of it, and the parent registry's per-CPU lookup.
package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/peer"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/dataspace"
	"github.com/Barkhausen-Institut/NRE/internal/errcode"
	"github.com/Barkhausen-Institut/NRE/internal/kobj"
	"github.com/Barkhausen-Institut/NRE/internal/ring"
	"github.com/Barkhausen-Institut/NRE/internal/service"
	"github.com/Barkhausen-Institut/NRE/internal/sm"
	"github.com/Barkhausen-Institut/NRE/internal/utcb"
)

// cmdEcho is a vendor command tag beyond the reserved
// OPEN/SHARE/CLOSE_SESSION range of §6.
const cmdEcho service.CommandTag = 100

type echoSession struct {
	id  uint64
	mgr *dataspace.Manager
	ds  *dataspace.Object
}

func (s *echoSession) Invalidate() {
	fmt.Printf("session %d invalidated\n", s.id)
}

func (s *echoSession) HandleRequest(ctx context.Context, cpuIndex int, tag uint64, f *utcb.Frame) error {
	if service.CommandTag(tag) != cmdEcho {
		f.Clear()
		f.PushWord(uint64(errcode.ArgsInvalid))
		return nil
	}
	if p, ok := peer.FromContext(ctx); ok {
		fmt.Printf("echo request from %s\n", p.Addr)
	}
	w, err := f.PopWord()
	if err != nil {
		f.Clear()
		f.PushWord(uint64(errcode.ArgsInvalid))
		return nil
	}
	reply := fmt.Sprintf("echoed %d", w)
	f.Clear()
	f.PushWord(uint64(errcode.Success))
	f.PushWord(w * 2)
	f.SetPayloadBytes([]byte(reply))
	return nil
}

func (s *echoSession) SetDataspace(mapSel, smSel capsel.Sel) error {
	obj, err := s.mgr.Join(mapSel)
	if err != nil {
		return err
	}
	s.ds = obj
	return nil
}

type echoFactory struct {
	mgr *dataspace.Manager
}

func (f *echoFactory) CreateSession(sc *service.SessionContext) (service.SessionState, error) {
	return &echoSession{id: sc.ID, mgr: f.mgr}, nil
}

func openSession(ctx context.Context, pt *kobj.Pt) (uint64, errcode.Code) {
	f := utcb.NewFrame()
	f.PushTag(uint64(service.CmdOpenSession))
	if err := pt.Call(ctx, f); err != nil {
		log.Fatalf("open session call: %v", err)
	}
	c, _ := f.PopWord()
	code := errcode.Code(c)
	if code != errcode.Success {
		return 0, code
	}
	id, _ := f.PopWord()
	return id, code
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caps := capsel.New(1 << 20)
	mgr := dataspace.NewManager(caps)
	factory := &echoFactory{mgr: mgr}

	svc, err := service.New("echo", caps, []int{0, 1}, 2, factory)
	if err != nil {
		log.Fatalf("service.New: %v", err)
	}
	go func() {
		if err := svc.ProvideOn(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("ProvideOn: %v", err)
		}
	}()

	var openPt *kobj.Pt
	deadline := time.Now().Add(time.Second)
	for {
		if pt, ok := svc.OpenPortal(0); ok {
			openPt = pt
			break
		}
		if time.Now().After(deadline) {
			log.Fatal("service never registered its open portal")
		}
		time.Sleep(time.Millisecond)
	}

	fmt.Println("=== Service session lifecycle ===")
	id1, code := openSession(ctx, openPt)
	fmt.Printf("open #1: code=%s id=%d\n", code, id1)
	id2, code := openSession(ctx, openPt)
	fmt.Printf("open #2: code=%s id=%d\n", code, id2)
	if _, code := openSession(ctx, openPt); code != errcode.Success {
		fmt.Printf("open #3: code=%s (expected CAPACITY at MAX_SESSIONS=2)\n", code)
	}

	var sess *service.Session
	svc.Sessions(func(s *service.Session) {
		if s.ID == id1 {
			sess = s
		}
	})
	if sess == nil {
		log.Fatal("could not find session 1 in the live table")
	}

	fmt.Println("\n=== Echo dispatch ===")
	ef := utcb.NewFrame()
	ef.PushTag(uint64(cmdEcho))
	ef.PushWord(21)
	if err := sess.Portals[0].Call(ctx, ef); err != nil {
		log.Fatalf("echo call: %v", err)
	}
	ec, _ := ef.PopWord()
	ev, _ := ef.PopWord()
	fmt.Printf("echo(21) -> code=%s value=%d payload=%q\n", errcode.Code(ec), ev, ef.Payload())

	fmt.Println("\n=== Dataspace + ring ===")
	obj, err := mgr.Create(dataspace.Descriptor{Size: 4096, Type: dataspace.Anonymous, Perm: dataspace.PermR | dataspace.PermW})
	if err != nil {
		log.Fatalf("dataspace.Create: %v", err)
	}
	df := utcb.NewFrame()
	df.PushTag(uint64(service.CmdShareDataspace))
	df.PushItem(utcb.Item{Sel: obj.MapSel.Value, Kind: utcb.Delegate})
	if err := sess.Portals[0].Call(ctx, df); err != nil {
		log.Fatalf("share dataspace call: %v", err)
	}
	dc, _ := df.PopWord()
	fmt.Printf("share_dataspace -> code=%s\n", errcode.Code(dc))

	var word atomic.Uint32
	sem := sm.New(&word, 0)
	r, err := ring.New[uint64](obj.Bytes(), sem)
	if err != nil {
		log.Fatalf("ring.New: %v", err)
	}
	fmt.Printf("ring capacity: %d slots (dataspace size %d bytes)\n", r.Cap(), obj.Desc.Size)

	prod, cons := r.Producer(), r.Consumer(false)
	for i := uint64(1); i <= 3; i++ {
		prod.Produce(i * 10)
	}
	for i := 0; i < 3; i++ {
		slot, ok, err := cons.Get(ctx)
		if err != nil {
			log.Fatalf("ring consume: %v", err)
		}
		if !ok {
			break
		}
		fmt.Printf("ring consumed: %d\n", *slot)
		cons.Next()
	}

	fmt.Println("\n=== Parent registry ===")
	reg := service.NewParentRegistry()
	if err := svc.Reg(reg); err != nil {
		log.Fatalf("Reg: %v", err)
	}
	if _, err := reg.Lookup("echo", 0); err != nil {
		fmt.Printf("lookup(echo, cpu=0): %v\n", err)
	} else {
		fmt.Println("lookup(echo, cpu=0): ok")
	}
	if _, err := reg.Lookup("echo", 5); err != nil {
		fmt.Printf("lookup(echo, cpu=5): %v (expected, cpu 5 is not in the service's set)\n", err)
	}
}
