package pool

import (
	"errors"
	"os"
	"testing"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heapBacking serves regions from the Go heap with a made up device address.
type heapBacking struct {
	base       uint64
	reserveErr error
	reserved   int
	released   int
}

func (h *heapBacking) Reserve(size int) ([]byte, uint64, error) {
	if h.reserveErr != nil {
		return nil, 0, h.reserveErr
	}
	h.reserved++
	return make([]byte, size), h.base, nil
}

func (h *heapBacking) Release([]byte) error {
	h.released++
	return nil
}

func newTestPool(t *testing.T, blockSize, alignment int, options ...Option) (*Pool, *heapBacking) {
	hb := &heapBacking{base: 0x80000000}
	p, err := New("test pool", blockSize, alignment, append([]Option{WithBacking(hb)}, options...)...)
	require.NoError(t, err)
	return p, hb
}

func TestNew_Geometry(t *testing.T) {
	tests := []struct {
		name        string
		blockSize   int
		alignment   int
		containsErr string
	}{
		{name: "zero block size", blockSize: 0, alignment: 16, containsErr: "too small"},
		{name: "zero alignment", blockSize: 4096, alignment: 0, containsErr: "not a power of 2"},
		{name: "odd alignment", blockSize: 4096, alignment: 24, containsErr: "not a power of 2"},
		{name: "valid", blockSize: 4096, alignment: 16},
		{name: "unaligned size", blockSize: 100, alignment: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("geometry", tt.blockSize, tt.alignment, WithBacking(&heapBacking{base: 0x1000}))
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
				assert.ErrorContains(t, err, tt.containsErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, p.Destroy())
		})
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New("opts", 4096, 16, WithBacking(&heapBacking{}), WithCapacity(0))
	assert.ErrorContains(t, err, "capacity")
}

func TestNew_ResourceExhausted(t *testing.T) {
	hb := &heapBacking{reserveErr: errors.New("no cma left")}
	_, err := New("exhausted", 4096, 16, WithBacking(hb))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorContains(t, err, "no cma left")
}

func TestNew_BeyondDMAMask(t *testing.T) {
	hb := &heapBacking{base: 0xffffe000}
	_, err := New("high", 4096, 16, WithBacking(hb), WithCapacity(4))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorContains(t, err, "beyond dma mask")
	assert.Equal(t, 1, hb.released, "rejected region must be given back")

	_, err = New("low", 4096, 16, WithBacking(&heapBacking{base: 0x7fff0000}), WithCapacity(4), WithDMAMask(DMABitMask(30)))
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p, err := New("low", 4096, 16, WithBacking(&heapBacking{base: 0x7fff0000}), WithCapacity(4), WithDMAMask(DMABitMask(31)))
	require.NoError(t, err)
	assert.NoError(t, p.Destroy())
}

func TestPool_AllocAligned(t *testing.T) {
	hb := &heapBacking{base: 0x80000004}
	p, err := New("aligned", 100, 64, WithBacking(hb), WithCapacity(3))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b, err := p.Alloc()
		require.NoError(t, err)
		assert.Zero(t, b.DeviceAddr()%64, "block %d is not aligned", i)
		assert.Len(t, b.Buf(), 100)
		assert.Equal(t, 100, cap(b.Buf()), "block must not reach into its neighbour")
	}
}

func TestPool_AddressStability(t *testing.T) {
	p, _ := newTestPool(t, 4096, 16)

	a, err := p.Alloc()
	require.NoError(t, err)
	b, err := p.Alloc()
	require.NoError(t, err)

	assert.Equal(t, uint32(0x80000000), a.DeviceAddr())
	assert.Equal(t, uint32(0x80001000), b.DeviceAddr())

	addrA, bufA := a.DeviceAddr(), &a.Buf()[0]
	a.Buf()[0] = 0xaa

	// Churn the other block, the first one must not move.
	require.NoError(t, p.Free(b))
	_, err = p.Alloc()
	require.NoError(t, err)

	assert.Equal(t, addrA, a.DeviceAddr())
	assert.Same(t, bufA, &a.Buf()[0])
	assert.Equal(t, byte(0xaa), a.Buf()[0])

	regionAddr, region := p.Region()
	assert.Equal(t, uint32(0x80000000), regionAddr)
	assert.Len(t, region, 2*4096)
}

func TestPool_AllocZeroes(t *testing.T) {
	p, _ := newTestPool(t, 64, 16, WithCapacity(1))

	b, err := p.Alloc()
	require.NoError(t, err)
	b.Buf()[10] = 0xff
	require.NoError(t, p.Free(b))

	b, err = p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), b.Buf())
}

func TestPool_OutOfMemory(t *testing.T) {
	p, _ := newTestPool(t, 4096, 16)

	_, err := p.Alloc()
	require.NoError(t, err)
	_, err = p.Alloc()
	require.NoError(t, err)

	_, err = p.Alloc()
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 2, p.InUse())
}

func TestPool_OwnershipViolations(t *testing.T) {
	p, _ := newTestPool(t, 4096, 16)
	other, _ := newTestPool(t, 4096, 16)

	b, err := p.Alloc()
	require.NoError(t, err)
	foreign, err := other.Alloc()
	require.NoError(t, err)

	assert.ErrorIs(t, p.Free(nil), hw.ErrLifecycleViolation)
	assert.ErrorIs(t, p.Free(foreign), hw.ErrLifecycleViolation)

	require.NoError(t, p.Free(b))
	err = p.Free(b)
	assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
	assert.ErrorContains(t, err, "double free")
	assert.Equal(t, 0, p.InUse())
}

func TestPool_Destroy(t *testing.T) {
	p, hb := newTestPool(t, 4096, 16)

	b, err := p.Alloc()
	require.NoError(t, err)

	err = p.Destroy()
	assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
	assert.ErrorContains(t, err, "outstanding")
	assert.Equal(t, 0, hb.released, "region must be kept while blocks are out")

	require.NoError(t, p.Free(b))
	require.NoError(t, p.Destroy())
	assert.Equal(t, 1, hb.released)

	assert.ErrorIs(t, p.Destroy(), hw.ErrLifecycleViolation)
	assert.ErrorIs(t, p.Free(b), hw.ErrLifecycleViolation)
	_, err = p.Alloc()
	assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
	assert.Equal(t, 0, p.InUse())
}

func TestMmapBacking(t *testing.T) {
	mb := NewMmapBacking(DefaultIOVABase, false)
	p, err := New("mmap", 4096, 16, WithBacking(mb))
	require.NoError(t, err)

	b, err := p.Alloc()
	require.NoError(t, err)
	b.Buf()[0] = 1
	assert.Equal(t, uint32(DefaultIOVABase), b.DeviceAddr())

	p2, err := New("mmap2", 4096, 16, WithBacking(mb))
	require.NoError(t, err)
	addr, _ := p2.Region()
	assert.GreaterOrEqual(t, uint64(addr), uint64(DefaultIOVABase)+uint64(2*4096))
	assert.Zero(t, uint64(addr)%uint64(os.Getpagesize()))

	require.NoError(t, p.Free(b))
	assert.NoError(t, p.Destroy())
	assert.NoError(t, p2.Destroy())
}

func TestNew_DefaultBackingShared(t *testing.T) {
	p1, err := New("default1", 4096, 16)
	require.NoError(t, err)
	defer p1.Destroy()
	p2, err := New("default2", 4096, 16)
	require.NoError(t, err)
	defer p2.Destroy()

	a1, r1 := p1.Region()
	a2, r2 := p2.Region()
	end1 := uint64(a1) + uint64(len(r1))
	end2 := uint64(a2) + uint64(len(r2))
	assert.True(t, end1 <= uint64(a2) || end2 <= uint64(a1),
		"regions 0x%x-0x%x and 0x%x-0x%x overlap", a1, end1, a2, end2)
}
