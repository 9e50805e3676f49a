package dataspace

import (
	"errors"
	"testing"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/errcode"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(capsel.New(4096))
}

func TestCreateDestroyRoundTrip(t *testing.T) {
	m := newTestManager(t)

	obj, err := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR | PermW})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	unmap := obj.UnmapSel.Value

	if err := m.Destroy(obj); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := m.Lookup(unmap); !errors.Is(err, errcode.ErrAbort) {
		t.Fatalf("expected ErrAbort after destroy, got %v", err)
	}
}

func TestCreateRejectsNonPageMultiple(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(Descriptor{Size: 100, Type: Anonymous, Perm: PermR}); !errors.Is(err, errcode.ErrArgsInvalid) {
		t.Fatalf("expected ErrArgsInvalid, got %v", err)
	}
}

func TestCreateRejectsLockedWithoutPhys(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(Descriptor{Size: PageSize, Type: Locked, Perm: PermR}); !errors.Is(err, errcode.ErrArgsInvalid) {
		t.Fatalf("expected ErrArgsInvalid for a locked dataspace with no phys address, got %v", err)
	}
}

func TestCreateRejectsPhysOnNonLocked(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR, Phys: 0x1000}); !errors.Is(err, errcode.ErrArgsInvalid) {
		t.Fatalf("expected ErrArgsInvalid for phys set on a non-locked dataspace, got %v", err)
	}
}

func TestJoinSeesCreatorsData(t *testing.T) {
	m := newTestManager(t)
	obj, err := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR | PermW})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	obj.Bytes()[0] = 0x42

	joined, err := m.Join(obj.MapSel.Value)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joined.Bytes()[0] != 0x42 {
		t.Fatalf("joiner does not observe creator's write")
	}
}

func TestSwitchToSwapsOriginsAndResetsPerm(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR | PermW})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	a.Bytes()[0] = 0xAA
	b.Bytes()[0] = 0xBB

	if err := m.SwitchTo(a, b); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	if a.Bytes()[0] != 0xBB || b.Bytes()[0] != 0xAA {
		t.Fatalf("switch_to did not swap backing contents")
	}
	if a.Desc.Perm != 0 || b.Desc.Perm != 0 {
		t.Fatalf("switch_to did not reset permissions to force re-fault")
	}
}

func TestSwitchToRejectsSizeMismatch(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.Create(Descriptor{Size: PageSize, Type: Anonymous, Perm: PermR})
	b, _ := m.Create(Descriptor{Size: 2 * PageSize, Type: Anonymous, Perm: PermR})
	if err := m.SwitchTo(a, b); !errors.Is(err, errcode.ErrArgsInvalid) {
		t.Fatalf("expected ErrArgsInvalid, got %v", err)
	}
}
