// Package dataspace implements the dataspace descriptor, object and
// client-side manager of §3/§4.2: shared-memory regions identified by a
// map selector (delegated to peers) and an unmap selector (retained for
// revoke), created/joined/switched/destroyed via a round-trip to a
// parent dataspace manager.
package dataspace

import (
	"fmt"

	"github.com/Barkhausen-Institut/NRE/internal/capsel"
)

// Type distinguishes how a dataspace's backing memory is provided,
// supplementing spec.md's ANONYMOUS/LOCKED/VIRTUAL with the
// original's virtual-vs-physical split (SPEC_FULL, "Dataspace request
// protocol detail").
type Type int

const (
	Anonymous Type = iota
	Locked
	Virtual
)

func (t Type) String() string {
	switch t {
	case Anonymous:
		return "ANONYMOUS"
	case Locked:
		return "LOCKED"
	case Virtual:
		return "VIRTUAL"
	default:
		return "UNKNOWN"
	}
}

// Perm is a bitmask of R/W/X permissions.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// PageSize is the page-multiple granularity descriptors are validated
// against. It mirrors the runtime page size on the platforms this repo
// targets; it is not read from the OS so tests are deterministic.
const PageSize = 4096

// Origin records the mapping source used for a later SwitchTo.
type Origin struct {
	segmentName string
	generation  uint64
}

// Descriptor is the {size, type, perms, phys, virt, origin, align}
// tuple of §3.
type Descriptor struct {
	Size  uint64
	Type  Type
	Perm  Perm
	Phys  uintptr
	Virt  uintptr
	Align uint64

	origin Origin
}

// Validate checks the invariants spec.md §3 states for a descriptor:
// size is page-aligned, a Locked dataspace is never executable, and a
// Locked dataspace always carries the physical address it pins
// (SPEC_FULL's type/perm validation supplement; grounded on
// HostMMConfig.h's `DataSpace(size, LOCKED, R, phys)` — the caller
// supplies the physical address it wants pinned, the parent doesn't
// invent one).
func (d Descriptor) Validate() error {
	if d.Size == 0 || d.Size%PageSize != 0 {
		return fmt.Errorf("dataspace: size %d is not a positive page multiple", d.Size)
	}
	if d.Type == Locked && d.Perm&PermX != 0 {
		return fmt.Errorf("dataspace: locked dataspaces cannot be executable")
	}
	if d.Type == Locked && d.Phys == 0 {
		return fmt.Errorf("dataspace: locked dataspace requires a pinned physical address")
	}
	if d.Type != Locked && d.Phys != 0 {
		return fmt.Errorf("dataspace: phys is only meaningful for locked dataspaces")
	}
	return nil
}

// Object is the {desc, map_sel, unmap_sel} of §3.
type Object struct {
	Desc     Descriptor
	MapSel   capsel.Selector
	UnmapSel capsel.Selector

	seg *segment
}

// disown is the move-constructor equivalent: it flips the Disposal of
// both MapSel and UnmapSel to DisposeKeep so a later Close of either
// (via capsel.Selector.Close) does nothing, matching
// §4.2's "move constructor transfers ownership by invalidating the
// source's unmap_sel so the destructor is a no-op on it".
func (o *Object) disown() {
	o.UnmapSel.Disposal = capsel.DisposeKeep
	o.MapSel.Disposal = capsel.DisposeKeep
}

// Bytes exposes the object's backing memory for a ring or other
// in-process consumer to build on top of.
func (o *Object) Bytes() []byte {
	return o.seg.mem
}
