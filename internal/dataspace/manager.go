package dataspace

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
	"github.com/Barkhausen-Institut/NRE/internal/coll"
	"github.com/Barkhausen-Institut/NRE/internal/errcode"
)

// Manager plays the role of the per-CPU parent registration portal on
// the dataspace side of §4.2: Create/Join/SwitchTo/Destroy, all driven
// (here, in-process) through the same round-trip shape a real portal
// call would use.
type Manager struct {
	mu      sync.Mutex
	caps    *capsel.Allocator
	byUnmap map[capsel.Sel]*Object
	byMap   map[capsel.Sel]*Object
	byVirt  *coll.Treap[uintptr, *Object] // design note: "Treap of dataspaces by virtual address"
	nextVA  uintptr
}

// NewManager creates a dataspace manager allocating selectors from caps.
func NewManager(caps *capsel.Allocator) *Manager {
	return &Manager{
		caps:    caps,
		byUnmap: make(map[capsel.Sel]*Object),
		byMap:   make(map[capsel.Sel]*Object),
		byVirt:  coll.NewTreap[uintptr, *Object](),
		nextVA:  0x1000_0000,
	}
}

func pageAlign(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Create allocates backing memory for desc and returns the refined
// descriptor plus the delegated map/unmap capability pair.
func (m *Manager) Create(desc Descriptor) (*Object, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("dataspace: create: %w: %v", errcode.ErrArgsInvalid, err)
	}

	name := uuid.New().String()
	seg, err := createSegment(name, desc.Size)
	if err != nil {
		return nil, fmt.Errorf("dataspace: create: %w: %v", errcode.ErrFailure, err)
	}

	mapSel, err := m.caps.Allocate(1, 1)
	if err != nil {
		seg.close(true)
		return nil, fmt.Errorf("dataspace: create: %w", errcode.ErrCapacity)
	}
	unmapSel, err := m.caps.Allocate(1, 1)
	if err != nil {
		m.caps.Free(mapSel, 1)
		seg.close(true)
		return nil, fmt.Errorf("dataspace: create: %w", errcode.ErrCapacity)
	}

	if desc.Type == Locked {
		if err := seg.lock(); err != nil {
			m.caps.Free(mapSel, 1)
			m.caps.Free(unmapSel, 1)
			seg.close(true)
			return nil, fmt.Errorf("dataspace: create: %w: %v", errcode.ErrFailure, err)
		}
	}

	m.mu.Lock()
	desc.Virt = m.nextVA
	m.nextVA += uintptr(pageAlign(desc.Size))
	desc.origin = Origin{segmentName: name, generation: 1}
	obj := &Object{
		Desc:     desc,
		MapSel:   capsel.NewSelector(m.caps, mapSel, 1, capsel.DisposeFree),
		UnmapSel: capsel.NewSelector(m.caps, unmapSel, 1, capsel.DisposeFree),
		seg:      seg,
	}
	m.byUnmap[unmapSel] = obj
	m.byMap[mapSel] = obj
	m.byVirt.Insert(desc.Virt, obj)
	m.mu.Unlock()

	return obj, nil
}

// Join adopts an existing dataspace given only its map selector,
// fetching the descriptor from the parent (here: the manager's own
// table) the way a receiver of a delegated map_sel would.
func (m *Manager) Join(mapSel capsel.Sel) (*Object, error) {
	m.mu.Lock()
	src, ok := m.byMap[mapSel]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dataspace: join: %w", errcode.ErrNotFound)
	}

	seg, err := openSegment(src.seg.name, src.seg.size)
	if err != nil {
		return nil, fmt.Errorf("dataspace: join: %w: %v", errcode.ErrFailure, err)
	}
	if src.Desc.Type == Locked {
		if err := seg.lock(); err != nil {
			seg.close(false)
			return nil, fmt.Errorf("dataspace: join: %w: %v", errcode.ErrFailure, err)
		}
	}

	joined := &Object{
		Desc:     src.Desc,
		MapSel:   capsel.NewSelector(m.caps, mapSel, 1, capsel.DisposeKeep),
		UnmapSel: capsel.Selector{Value: capsel.Invalid},
		seg:      seg,
	}
	return joined, nil
}

// SwitchTo atomically swaps the backing origin of two equal-size
// dataspaces owned by the caller, per §4.2 and testable scenario 5:
// reads through either virtual address observe the other's contents
// after the swap, and permissions are reset to force re-faulting.
func (m *Manager) SwitchTo(a, b *Object) error {
	if a.Desc.Size != b.Desc.Size {
		return fmt.Errorf("dataspace: switch_to: %w: size mismatch", errcode.ErrArgsInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a.seg, b.seg = b.seg, a.seg
	a.Desc.origin, b.Desc.origin = b.Desc.origin, a.Desc.origin
	a.Desc.origin.generation++
	b.Desc.origin.generation++
	// Force re-faulting: callers must re-establish any cached page
	// mappings/permissions rather than trusting pre-swap state.
	a.Desc.Perm, b.Desc.Perm = 0, 0
	return nil
}

// Destroy revokes both capabilities of obj and frees the backing
// memory if this was the last reference, per §4.2 and testable
// property: "any later call through those selectors fails with ABORT".
func (m *Manager) Destroy(obj *Object) error {
	m.mu.Lock()
	delete(m.byUnmap, obj.UnmapSel.Value)
	delete(m.byMap, obj.MapSel.Value)
	m.byVirt.Remove(obj.Desc.Virt)
	m.mu.Unlock()

	obj.MapSel.Close()
	obj.UnmapSel.Close()
	if obj.Desc.Type == Locked {
		if err := obj.seg.unlock(); err != nil {
			return fmt.Errorf("dataspace: destroy: %w: %v", errcode.ErrFailure, err)
		}
	}
	if err := obj.seg.close(obj.seg.owner); err != nil {
		return fmt.Errorf("dataspace: destroy: %w: %v", errcode.ErrFailure, err)
	}
	obj.disown()
	return nil
}

// Lookup returns the object currently delegated under unmapSel, used
// by callers checking whether a selector still resolves (testable
// property: destroyed selectors must fail with ABORT, never succeed).
func (m *Manager) Lookup(unmapSel capsel.Sel) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.byUnmap[unmapSel]
	if !ok {
		return nil, fmt.Errorf("dataspace: lookup: %w", errcode.ErrAbort)
	}
	return obj, nil
}
