// Package registry parses the well-known service addresses clients use
// to look a service up by name before the OPEN_SESSION handshake.
//
// Grounded on the teacher's register.go (ParseAddress: shm://name?cap=N,
// net/url + strconv, power-of-two cap validation); SPEC_FULL's
// Configuration section explains why this stays on net/url/strconv
// rather than a config-file library (none appears anywhere in the
// corpus).
package registry

import (
	"fmt"
	"math/bits"
	"net/url"
	"strconv"
)

// DefaultRingCapacity is used when an address omits ?cap=.
const DefaultRingCapacity = 1 << 16

// Address is a parsed nre://name?cap=N service address.
type Address struct {
	Name string
	Cap  uint64
}

// ParseAddress parses addresses of the form nre://name?cap=262144.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("registry: parse address: %w", err)
	}
	if u.Scheme != "nre" {
		return Address{}, fmt.Errorf("registry: unsupported scheme %q", u.Scheme)
	}
	name := u.Host
	if name == "" {
		name = u.Path
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
	}
	if name == "" {
		return Address{}, fmt.Errorf("registry: missing service name")
	}

	capVal := uint64(DefaultRingCapacity)
	if c := u.Query().Get("cap"); c != "" {
		v, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			return Address{}, fmt.Errorf("registry: invalid cap: %w", err)
		}
		if v == 0 || bits.OnesCount64(v) != 1 {
			return Address{}, fmt.Errorf("registry: cap must be a power of two, got %d", v)
		}
		capVal = v
	}
	return Address{Name: name, Cap: capVal}, nil
}

// String renders the address back to its canonical nre:// form.
func (a Address) String() string {
	return fmt.Sprintf("nre://%s?cap=%d", a.Name, a.Cap)
}
