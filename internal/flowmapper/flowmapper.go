// Package flowmapper implements the closed registry of named flow-mapper
// variants that replaces the original's dynamic `getattr(mappers, name)`
// class-name dispatch (spec §9 redesign flag).
package flowmapper

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Mapper deterministically derives a flow's (address, port) pair from a
// /24 or /64 prefix and a flow index, used to vary probes within a prefix
// (spec GLOSSARY).
type Mapper interface {
	// Map returns the address and source port for flowIndex within prefix.
	Map(prefix netip.Prefix, flowIndex int) (netip.Addr, uint16, error)
}

// Kwargs are the typed parameters carried alongside a variant tag in
// configuration, replacing the original's **kwargs passed to the mapper
// class constructor.
type Kwargs struct {
	SourcePort int `json:"src_port,omitempty"`
}

// Factory builds a Mapper from its Kwargs.
type Factory func(Kwargs) Mapper

var registry = map[string]Factory{
	"Sequential":  func(k Kwargs) Mapper { return sequentialMapper{basePort: basePort(k)} },
	"RandomFlow":  func(k Kwargs) Mapper { return randomFlowMapper{basePort: basePort(k)} },
	"ReverseByte": func(k Kwargs) Mapper { return reverseByteMapper{basePort: basePort(k)} },
}

func basePort(k Kwargs) uint16 {
	if k.SourcePort > 0 {
		return uint16(k.SourcePort)
	}
	return 24000
}

// Lookup returns the named variant's Mapper, or an error if the variant is
// not in the closed registry. This is the total, safe replacement for the
// original's `getattr(mappers, name)` dispatch.
func Lookup(name string, kwargs Kwargs) (Mapper, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("flowmapper: unknown variant %q", name)
	}
	return factory(kwargs), nil
}

// sequentialMapper assigns the Nth host address of prefix to flow index N.
type sequentialMapper struct{ basePort uint16 }

func (m sequentialMapper) Map(prefix netip.Prefix, flowIndex int) (netip.Addr, uint16, error) {
	addr, err := nthAddr(prefix, flowIndex)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, m.basePort + uint16(flowIndex), nil
}

// randomFlowMapper derives a pseudo-random offset within prefix from a
// hash of (prefix, flowIndex), for deterministic-but-scattered coverage.
type randomFlowMapper struct{ basePort uint16 }

func (m randomFlowMapper) Map(prefix netip.Prefix, flowIndex int) (netip.Addr, uint16, error) {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits <= 0 {
		return netip.Addr{}, 0, fmt.Errorf("flowmapper: prefix %s has no host space", prefix)
	}

	h := sha256.Sum256(append([]byte(prefix.String()), beUint64(uint64(flowIndex))...))
	offset := binary.BigEndian.Uint32(h[:4])
	maxOffset := uint32(1) << minInt(hostBits, 31)
	offset %= maxOffset

	addr, err := nthAddr(prefix, int(offset))
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, m.basePort + uint16(flowIndex), nil
}

// reverseByteMapper spreads flow indices across the prefix by reversing
// the bit order of flowIndex before offsetting, avoiding clustering near
// the base address for small flow counts.
type reverseByteMapper struct{ basePort uint16 }

func (m reverseByteMapper) Map(prefix netip.Prefix, flowIndex int) (netip.Addr, uint16, error) {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits <= 0 || hostBits > 32 {
		return netip.Addr{}, 0, fmt.Errorf("flowmapper: prefix %s has unsupported host space", prefix)
	}

	reversed := reverseBits(uint32(flowIndex), hostBits)
	addr, err := nthAddr(prefix, int(reversed))
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, m.basePort + uint16(flowIndex), nil
}

func nthAddr(prefix netip.Prefix, n int) (netip.Addr, error) {
	base := prefix.Masked().Addr()
	hostBits := base.BitLen() - prefix.Bits()
	if hostBits < 0 {
		return netip.Addr{}, fmt.Errorf("flowmapper: invalid prefix %s", prefix)
	}
	if hostBits < 32 && n >= (1<<hostBits) {
		return netip.Addr{}, fmt.Errorf("flowmapper: flow index %d out of range for prefix %s", n, prefix)
	}

	b := base.As16()
	// Add n to the last 4 bytes (sufficient for the /24 and /64 prefixes
	// this package is used with).
	v := binary.BigEndian.Uint32(b[12:16])
	v += uint32(n)
	binary.BigEndian.PutUint32(b[12:16], v)

	addr := netip.AddrFrom16(b)
	if base.Is4() {
		addr = addr.Unmap()
	}
	return addr, nil
}

func reverseBits(v uint32, bits int) uint32 {
	var out uint32
	for i := 0; i < bits; i++ {
		out |= ((v >> i) & 1) << (bits - 1 - i)
	}
	return out
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
