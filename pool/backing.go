package pool

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultIOVABase is where [MmapBacking] starts handing out device addresses.
// It is the start of the external memory window on AM335x parts.
const DefaultIOVABase = 0x80000000

// defaultBacking serves every pool created without [WithBacking], so their
// device address ranges never overlap.
var defaultBacking = NewMmapBacking(DefaultIOVABase, false)

// Backing reserves the memory a [Pool] carves its blocks from.
type Backing interface {
	// Reserve returns a region of at least size bytes and the device address
	// of its first byte. The region must not move until it is released.
	Reserve(size int) (mem []byte, deviceAddr uint64, err error)
	// Release returns a region obtained from Reserve.
	Release(mem []byte) error
}

// MmapBacking reserves regions with an anonymous shared mapping outside of the
// Go heap, so the garbage collector never moves or collects memory the device
// might still be accessing. There is no IOMMU in play: device addresses are
// handed out from a linear window, one page aligned range per region.
type MmapBacking struct {
	// Lock pins the pages with mlock. This needs CAP_IPC_LOCK or a high enough
	// RLIMIT_MEMLOCK.
	Lock bool

	mu   sync.Mutex
	next uint64
}

// NewMmapBacking returns an [MmapBacking] whose device addresses start at
// base.
func NewMmapBacking(base uint64, lock bool) *MmapBacking {
	return &MmapBacking{Lock: lock, next: base}
}

func (m *MmapBacking) Reserve(size int) ([]byte, uint64, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("map coherent region: %w", err)
	}

	if m.Lock {
		if err = unix.Mlock(mem); err != nil {
			_ = unix.Munmap(mem)
			return nil, 0, fmt.Errorf("lock coherent region: %w", err)
		}
	}

	m.mu.Lock()
	if m.next == 0 {
		m.next = DefaultIOVABase
	}
	addr := m.next
	m.next += uint64(align(size, os.Getpagesize()))
	m.mu.Unlock()

	return mem, addr, nil
}

func (m *MmapBacking) Release(mem []byte) error {
	// Unmapping drops the lock as well.
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap coherent region: %w", err)
	}
	return nil
}
