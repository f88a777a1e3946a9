package hwsim

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnmapped is returned for device addresses no region covers.
var ErrUnmapped = errors.New("device address is not mapped")

// MemoryRegion is a range of host memory the simulated engine can reach.
type MemoryRegion struct {
	// DeviceAddress is the address of the first byte as seen by the engine.
	DeviceAddress uint32
	// Mem is the host view of the region.
	Mem []byte
}

func (r MemoryRegion) end() uint64 {
	return uint64(r.DeviceAddress) + uint64(len(r.Mem))
}

// MemoryLayout is a list of non overlapping [MemoryRegion]s sorted by device
// address.
type MemoryLayout []MemoryRegion

// add returns the layout with r inserted.
func (l MemoryLayout) add(r MemoryRegion) (MemoryLayout, error) {
	if len(r.Mem) == 0 {
		return l, fmt.Errorf("region at 0x%08x is empty", r.DeviceAddress)
	}
	if r.end() > 1<<32 {
		return l, fmt.Errorf("region at 0x%08x of %d bytes wraps the address space", r.DeviceAddress, len(r.Mem))
	}
	for _, o := range l {
		if uint64(r.DeviceAddress) < o.end() && uint64(o.DeviceAddress) < r.end() {
			return l, fmt.Errorf("region 0x%08x-0x%08x overlaps 0x%08x-0x%08x",
				r.DeviceAddress, r.end()-1, o.DeviceAddress, o.end()-1)
		}
	}

	l = append(l, r)
	sort.Slice(l, func(i, j int) bool { return l[i].DeviceAddress < l[j].DeviceAddress })
	return l, nil
}

// remove returns the layout without the region starting at addr.
func (l MemoryLayout) remove(addr uint32) (MemoryLayout, error) {
	for i, r := range l {
		if r.DeviceAddress == addr {
			return append(l[:i], l[i+1:]...), nil
		}
	}
	return l, fmt.Errorf("%w: no region starts at 0x%08x", ErrUnmapped, addr)
}

// slice returns the host memory backing n bytes at addr. It fails when the
// range is not covered by exactly one region.
func (l MemoryLayout) slice(addr uint32, n int) ([]byte, error) {
	i := sort.Search(len(l), func(i int) bool { return l[i].end() > uint64(addr) })
	if i == len(l) || l[i].DeviceAddress > addr {
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnmapped, addr)
	}
	r := l[i]
	off := int(addr - r.DeviceAddress)
	if off+n > len(r.Mem) {
		return nil, fmt.Errorf("%w: 0x%08x+%d runs past the region at 0x%08x", ErrUnmapped, addr, n, r.DeviceAddress)
	}
	return r.Mem[off : off+n], nil
}

// covers reports whether any byte of the range is mapped.
func (l MemoryLayout) covers(addr uint32, n int) bool {
	end := uint64(addr) + uint64(n)
	for _, r := range l {
		if uint64(addr) < r.end() && uint64(r.DeviceAddress) < end {
			return true
		}
	}
	return false
}
