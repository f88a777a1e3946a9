package edma

import (
	"fmt"
	"math"
	"strings"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/pool"
)

// MaxFrameSize is the largest number of bytes one half of a ring may move.
const MaxFrameSize = 64 * 1024

// Direction tells which side of a transfer is the peripheral.
type Direction int

const (
	// DeviceToMemory reads the peripheral FIFO into the blocks.
	DeviceToMemory Direction = iota
	// MemoryToDevice writes the blocks into the peripheral FIFO.
	MemoryToDevice
)

func (d Direction) String() string {
	switch d {
	case DeviceToMemory:
		return "rx"
	case MemoryToDevice:
		return "tx"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection parses the names String returns.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "rx", "":
		return DeviceToMemory, nil
	case "tx":
		return MemoryToDevice, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q, possible directions: rx, tx", ErrInvalidShape, s)
}

// TransferShape describes what one half of the ring moves. Every sync event
// moves Count elements of ElementSize bytes. The memory side advances by
// Stride bytes per element while the peripheral side stays on its FIFO.
type TransferShape struct {
	ElementSize int
	Count       int
	Stride      int
	Direction   Direction
	// Peripheral is the device address of the peripheral FIFO.
	Peripheral uint32
}

// FrameSize returns the number of bytes one half moves.
func (s TransferShape) FrameSize() int {
	return s.ElementSize * s.Count
}

// Span returns the number of bytes of a block one half touches.
func (s TransferShape) Span() int {
	return (s.Count-1)*s.Stride + s.ElementSize
}

// Validate checks the shape against the param-set field widths and a block
// size.
func (s TransferShape) Validate(blockSize int) error {
	switch {
	case s.ElementSize < 1 || s.ElementSize > math.MaxUint16:
		return fmt.Errorf("%w: element size %d is not within 1..%d", ErrInvalidShape, s.ElementSize, math.MaxUint16)
	case s.Count < 1 || s.Count > math.MaxUint16:
		return fmt.Errorf("%w: count %d is not within 1..%d", ErrInvalidShape, s.Count, math.MaxUint16)
	case s.Stride < 0 || s.Stride > math.MaxInt16:
		return fmt.Errorf("%w: stride %d is not within 0..%d", ErrInvalidShape, s.Stride, math.MaxInt16)
	case s.Stride != 0 && s.Stride < s.ElementSize:
		return fmt.Errorf("%w: stride %d overlaps elements of %d bytes", ErrInvalidShape, s.Stride, s.ElementSize)
	case s.Direction != DeviceToMemory && s.Direction != MemoryToDevice:
		return fmt.Errorf("%w: unknown direction %d", ErrInvalidShape, s.Direction)
	case s.FrameSize() > MaxFrameSize:
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrInvalidShape, s.FrameSize(), MaxFrameSize)
	case s.Span() > blockSize:
		return fmt.Errorf("%w: transfer spans %d bytes, blocks hold %d", ErrInvalidShape, s.Span(), blockSize)
	}
	return nil
}

// paramSet returns the param-set moving one frame between b and the
// peripheral, linked to next.
func (s TransferShape) paramSet(ch hw.Channel, b *pool.Block, next hw.Slot) hw.ParamSet {
	p := hw.ParamSet{
		Opt:         hw.OptSyncDimAB | hw.OptTCC(ch) | hw.OptTCIntEn,
		ABCnt:       uint32(s.Count)<<16 | uint32(s.ElementSize),
		LinkBCntRld: uint32(s.Count) << 16,
		CCnt:        1,
	}

	stride := uint32(uint16(int16(s.Stride)))
	switch s.Direction {
	case DeviceToMemory:
		p.Src = s.Peripheral
		p.Dst = b.DeviceAddr()
		p.SrcDstBIdx = stride << 16
	case MemoryToDevice:
		p.Src = b.DeviceAddr()
		p.Dst = s.Peripheral
		p.SrcDstBIdx = stride
	}

	p.SetLink(next)
	return p
}

// RingHalf is one buffer of a ring and the slot describing it.
type RingHalf struct {
	Slot   hw.Slot
	Block  *pool.Block
	Params hw.ParamSet
}

// Ring is a ping and a pong param-set linked to each other. Once the engine
// finishes one half it reloads the other from its slot, so transfers go on
// without software touching the slots.
type Ring struct {
	Channel hw.Channel
	Shape   TransferShape
	Ping    RingHalf
	Pong    RingHalf
}

func (r *Ring) String() string {
	return fmt.Sprintf("%s ping=%s@0x%08x->%s pong=%s@0x%08x->%s", r.Channel,
		r.Ping.Slot, r.Ping.Block.DeviceAddr(), r.Ping.Params.Link(),
		r.Pong.Slot, r.Pong.Block.DeviceAddr(), r.Pong.Params.Link())
}

// BuildRing writes the ping and pong param-sets of ch into their slots. Both
// param-sets are computed before anything is written and the pong slot is
// written first, so the ping slot never links to a slot that is not written
// yet. A ring is only returned when both writes succeeded.
func BuildRing(ctrl hw.Controller, ch hw.Channel, ping, pong *pool.Block, pingSlot, pongSlot hw.Slot, shape TransferShape) (*Ring, error) {
	switch {
	case ping == nil || pong == nil:
		return nil, fmt.Errorf("%w: ring needs two blocks", hw.ErrLifecycleViolation)
	case ping == pong:
		return nil, fmt.Errorf("%w: ping and pong share block 0x%08x", hw.ErrLifecycleViolation, ping.DeviceAddr())
	case pingSlot < 0 || pongSlot < 0:
		return nil, fmt.Errorf("%w: ring needs two slots, got %s and %s", hw.ErrLifecycleViolation, pingSlot, pongSlot)
	case pingSlot == pongSlot:
		return nil, fmt.Errorf("%w: ping and pong share %s", hw.ErrLifecycleViolation, pingSlot)
	}

	if err := shape.Validate(min(len(ping.Buf()), len(pong.Buf()))); err != nil {
		return nil, err
	}

	r := &Ring{
		Channel: ch,
		Shape:   shape,
		Ping:    RingHalf{Slot: pingSlot, Block: ping, Params: shape.paramSet(ch, ping, pongSlot)},
		Pong:    RingHalf{Slot: pongSlot, Block: pong, Params: shape.paramSet(ch, pong, pingSlot)},
	}

	if err := ctrl.WriteSlot(pongSlot, r.Pong.Params); err != nil {
		return nil, fmt.Errorf("write pong %s: %w", pongSlot, err)
	}
	if err := ctrl.WriteSlot(pingSlot, r.Ping.Params); err != nil {
		return nil, fmt.Errorf("write ping %s: %w", pingSlot, err)
	}

	return r, nil
}

// Verify reads both slots back and checks they still hold the ring.
func (r *Ring) Verify(ctrl hw.Controller) error {
	ping, err := ctrl.ReadSlot(r.Ping.Slot)
	if err != nil {
		return fmt.Errorf("read ping %s: %w", r.Ping.Slot, err)
	}
	pong, err := ctrl.ReadSlot(r.Pong.Slot)
	if err != nil {
		return fmt.Errorf("read pong %s: %w", r.Pong.Slot, err)
	}

	if ping.Link() != r.Pong.Slot || pong.Link() != r.Ping.Slot {
		return fmt.Errorf("%w: %s links to %s, %s links to %s",
			ErrBrokenRing, r.Ping.Slot, ping.Link(), r.Pong.Slot, pong.Link())
	}
	if ping != r.Ping.Params || pong != r.Pong.Params {
		return fmt.Errorf("%w: slot contents differ from what was written", ErrBrokenRing)
	}
	return nil
}

// Half returns the half whose param-set is described by p, judged by the
// buffer address it moves.
func (r *Ring) Half(p hw.ParamSet) (*RingHalf, bool) {
	for _, h := range []*RingHalf{&r.Ping, &r.Pong} {
		if p.Src == h.Params.Src && p.Dst == h.Params.Dst {
			return h, true
		}
	}
	return nil, false
}
