package pool

import (
	"errors"
	"math"
)

type optionValues struct {
	capacity int
	backing  Backing
	dmaMask  uint64
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.capacity < 1 {
		return errors.New("capacity must be at least one block")
	}
	if o.backing == nil {
		return errors.New("backing is required")
	}
	if o.dmaMask == 0 {
		return errors.New("dma mask must not be empty")
	}
	return nil
}

var optionDefaults = optionValues{
	capacity: 2,
	dmaMask:  math.MaxUint32,
}

// Option can be passed to [New] to influence pool creation.
type Option func(*optionValues)

// WithCapacity returns an [Option] that sets how many blocks the pool reserves
// up front. The pool never grows; [Pool.Alloc] fails with [ErrOutOfMemory]
// once all of them are handed out.
func WithCapacity(blocks int) Option {
	return func(o *optionValues) { o.capacity = blocks }
}

// WithBacking returns an [Option] that sets where the coherent region comes
// from. Defaults to an [MmapBacking] shared by all pools of the process.
// Pools that share a controller must share a backing.
func WithBacking(b Backing) Option {
	return func(o *optionValues) { o.backing = b }
}

// WithDMAMask returns an [Option] that sets the mask of device addresses the
// DMA engine can reach. A region that ends beyond the mask is rejected.
func WithDMAMask(mask uint64) Option {
	return func(o *optionValues) { o.dmaMask = mask }
}

// DMABitMask returns a mask covering the given number of address bits.
func DMABitMask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bits) - 1
}
