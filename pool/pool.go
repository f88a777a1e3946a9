// Package pool implements a fixed-size block allocator over a region of
// device-coherent memory, in the spirit of the kernel's dma_pool. Every block
// carries both the slice the CPU uses and the address the DMA engine uses, and
// both stay valid until the block is freed.
package pool

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/rcrowley/go-metrics"
)

var (
	// ErrResourceExhausted is returned when the coherent region backing a pool
	// can not be reserved.
	ErrResourceExhausted = errors.New("coherent region can not be reserved")

	// ErrOutOfMemory is returned when all blocks of a pool are handed out.
	ErrOutOfMemory = errors.New("no free block left in pool")

	// ErrInvalidGeometry is returned when block size or alignment can not be
	// satisfied.
	ErrInvalidGeometry = errors.New("invalid pool geometry")
)

// Block is one allocation from a [Pool].
type Block struct {
	pool  *Pool
	index int
	buf   []byte
	addr  uint32
}

// Buf returns the CPU view of the block. It must not be used after the block
// was freed.
func (b *Block) Buf() []byte {
	return b.buf
}

// DeviceAddr returns the address the DMA engine uses to reach the block.
func (b *Block) DeviceAddr() uint32 {
	return b.addr
}

// Index returns the position of the block within its pool.
func (b *Block) Index() int {
	return b.index
}

// Pool hands out equally sized, aligned blocks from one coherent region. The
// region is reserved once in [New] and released in [Pool.Destroy]; blocks never
// move in between.
type Pool struct {
	mu sync.Mutex

	tag       string
	blockSize int
	stride    int

	backing Backing
	// mem is the whole reserved region, region the aligned part blocks are
	// carved from.
	mem        []byte
	region     []byte
	regionAddr uint32

	blocks []Block
	used   []bool
	// free is a stack of indexes of unused blocks.
	free []int

	destroyed bool
	inUse     metrics.Gauge
}

// New reserves a region large enough for the configured number of blocks of
// blockSize bytes, each starting at a device address that is a multiple of
// alignment.
//
// Remember to call [Pool.Destroy] after all blocks were freed.
func New(tag string, blockSize, alignment int, options ...Option) (*Pool, error) {
	opts := optionDefaults
	opts.apply(options)
	if opts.backing == nil {
		opts.backing = defaultBacking
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	// The engine's address fields are 32 bits wide.
	if opts.dmaMask > math.MaxUint32 {
		opts.dmaMask = math.MaxUint32
	}

	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d is too small", ErrInvalidGeometry, blockSize)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of 2", ErrInvalidGeometry, alignment)
	}

	p := &Pool{
		tag:       tag,
		blockSize: blockSize,
		stride:    align(blockSize, alignment),
		backing:   opts.backing,
	}

	// Reserve enough slack to align the first block no matter where the
	// backing places the region.
	regionSize := p.stride * opts.capacity
	mem, base, err := p.backing.Reserve(regionSize + alignment - 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceExhausted, tag, err)
	}

	pad := int(align64(base, uint64(alignment)) - base)
	start := base + uint64(pad)
	if start+uint64(regionSize)-1 > opts.dmaMask {
		_ = p.backing.Release(mem)
		return nil, fmt.Errorf("%w: %s: region 0x%x-0x%x is beyond dma mask 0x%x",
			ErrResourceExhausted, tag, start, start+uint64(regionSize)-1, opts.dmaMask)
	}

	p.mem = mem
	p.region = mem[pad : pad+regionSize]
	p.regionAddr = uint32(start)

	p.blocks = make([]Block, opts.capacity)
	p.used = make([]bool, opts.capacity)
	p.free = make([]int, 0, opts.capacity)
	for i := range p.blocks {
		off := i * p.stride
		p.blocks[i] = Block{
			pool:  p,
			index: i,
			buf:   p.region[off : off+blockSize : off+blockSize],
			addr:  p.regionAddr + uint32(off),
		}
	}
	// Hand out low addresses first.
	for i := opts.capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}

	p.inUse = metrics.GetOrRegisterGauge(fmt.Sprintf("pool.%s.in_use", metricName(tag)), nil)
	p.inUse.Update(0)

	return p, nil
}

// Tag returns the name the pool was created with.
func (p *Pool) Tag() string {
	return p.tag
}

// BlockSize returns the usable size of every block.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Capacity returns the number of blocks the pool can hand out.
func (p *Pool) Capacity() int {
	return len(p.blocks)
}

// InUse returns the number of blocks currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return 0
	}
	return len(p.blocks) - len(p.free)
}

// Region returns the device address and CPU view of the memory the blocks are
// carved from. Drivers use it to describe the memory to the DMA engine.
func (p *Pool) Region() (uint32, []byte) {
	return p.regionAddr, p.region
}

// Alloc hands out a zeroed block.
func (p *Pool) Alloc() (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, fmt.Errorf("%w: alloc from destroyed pool %q", hw.ErrLifecycleViolation, p.tag)
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w: %s holds %d blocks", ErrOutOfMemory, p.tag, len(p.blocks))
	}

	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[i] = true
	p.inUse.Update(int64(len(p.blocks) - len(p.free)))

	b := &p.blocks[i]
	clear(b.buf)
	return b, nil
}

// Free returns a block to the pool. Freeing a block twice, a block of another
// pool, or freeing after [Pool.Destroy] is an ownership bug and reported as a
// wrapped [hw.ErrLifecycleViolation].
func (p *Pool) Free(b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case b == nil:
		return fmt.Errorf("%w: free of nil block in %q", hw.ErrLifecycleViolation, p.tag)
	case p.destroyed:
		return fmt.Errorf("%w: free after destroy of %q", hw.ErrLifecycleViolation, p.tag)
	case b.pool != p || b.index < 0 || b.index >= len(p.blocks) || b != &p.blocks[b.index]:
		return fmt.Errorf("%w: block 0x%08x does not belong to %q", hw.ErrLifecycleViolation, b.addr, p.tag)
	case !p.used[b.index]:
		return fmt.Errorf("%w: double free of block 0x%08x in %q", hw.ErrLifecycleViolation, b.addr, p.tag)
	}

	p.used[b.index] = false
	p.free = append(p.free, b.index)
	p.inUse.Update(int64(len(p.blocks) - len(p.free)))
	return nil
}

// Destroy releases the coherent region. All blocks must have been freed
// before, otherwise the region is kept and a wrapped
// [hw.ErrLifecycleViolation] is returned.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return fmt.Errorf("%w: %q destroyed twice", hw.ErrLifecycleViolation, p.tag)
	}
	if n := len(p.blocks) - len(p.free); n != 0 {
		return fmt.Errorf("%w: destroy of %q with %d blocks outstanding", hw.ErrLifecycleViolation, p.tag, n)
	}

	// As a safety measure, make sure no blocks can be handed out anymore.
	p.destroyed = true
	p.free = nil

	err := p.backing.Release(p.mem)
	p.mem = nil
	p.region = nil
	if err != nil {
		return fmt.Errorf("release region of %q: %w", p.tag, err)
	}
	return nil
}

func metricName(tag string) string {
	return strings.ReplaceAll(strings.TrimSpace(tag), " ", "_")
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}

func align64(index, alignment uint64) uint64 {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
