package service

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/Barkhausen-Institut/NRE/internal/errcode"
	"github.com/Barkhausen-Institut/NRE/internal/kobj"
)

// CPUBitset marks which of up to 64 logical CPUs a service is
// registered on.
type CPUBitset uint64

// Has reports whether cpu is set in the bitset.
func (b CPUBitset) Has(cpu int) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return b&(1<<uint(cpu)) != 0
}

// ParentRegistry is the well-known service registry a Service's reg()
// delegates its registration selector range and (name, cpu_bitset) to
// (§4.4 "reg()", §6 "Registration portal"). A real parent would be the
// root task or an ancestor service; here the registry is itself an
// in-process object a client's lookup portal call resolves against,
// preserving the round-trip shape without a real IPC hop.
type ParentRegistry struct {
	mu     sync.Mutex
	byName *btree.BTreeG[regRecord]
}

type regRecord struct {
	name    string
	cpus    CPUBitset
	portals map[int]*kobj.Pt
}

func regLess(a, b regRecord) bool { return a.name < b.name }

// NewParentRegistry creates an empty registry.
func NewParentRegistry() *ParentRegistry {
	return &ParentRegistry{byName: btree.NewG(32, regLess)}
}

// Register records name as resolving, on the given CPUs, to portals.
// It is idempotent on retry with the same name and CPU set (testable
// property: "service.reg() is idempotent on retry... after a
// recoverable parent failure"), and fails with ErrExists if name is
// already registered under a different CPU set.
func (p *ParentRegistry) Register(name string, cpus CPUBitset, portals map[int]*kobj.Pt) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byName.Get(regRecord{name: name}); ok {
		if existing.cpus != cpus {
			return fmt.Errorf("registry: %w: %s already registered on a different CPU set", errcode.ErrExists, name)
		}
	}
	p.byName.ReplaceOrInsert(regRecord{name: name, cpus: cpus, portals: portals})
	return nil
}

// Lookup resolves name's registration portal for the calling CPU.
// Scenario 6: a service registered on CPU bitset {0,2} resolves from
// CPU 0 but reports ErrNotFound from CPU 1.
func (p *ParentRegistry) Lookup(name string, cpu int) (*kobj.Pt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.byName.Get(regRecord{name: name})
	if !ok {
		return nil, fmt.Errorf("registry: lookup %s: %w", name, errcode.ErrNotFound)
	}
	if !rec.cpus.Has(cpu) {
		return nil, fmt.Errorf("registry: lookup %s on cpu %d: %w", name, cpu, errcode.ErrNotFound)
	}
	pt, ok := rec.portals[cpu]
	if !ok {
		return nil, fmt.Errorf("registry: lookup %s on cpu %d: %w", name, cpu, errcode.ErrNotFound)
	}
	return pt, nil
}

// Unregister removes name entirely, used when a service shuts down.
func (p *ParentRegistry) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName.Delete(regRecord{name: name})
}
