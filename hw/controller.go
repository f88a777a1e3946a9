package hw

import (
	"errors"
	"fmt"
)

// ErrLifecycleViolation marks a programmer error in the ordering of
// allocation and release calls, e.g. releasing a handle that is still armed or
// was never acquired. Continuing after one risks the engine touching freed
// memory, so callers treat it as fatal.
var ErrLifecycleViolation = errors.New("lifecycle violation")

// Channel identifies a physical DMA channel.
type Channel int

// NoChannel marks a channel handle that was never populated.
const NoChannel Channel = -1

// Slot identifies a PaRAM entry. The first entries of the PaRAM are tied to
// the channel with the same number, entries after that are free link slots.
type Slot int

// NoSlot marks a slot handle that was never populated.
const NoSlot Slot = -1

// SlotAny asks [Controller.AllocSlot] to pick any free link slot.
const SlotAny Slot = -2

// Slot returns the PaRAM entry that belongs to the channel itself. This is the
// entry the engine executes; linked slots are copied into it on completion.
func (c Channel) Slot() Slot {
	return Slot(c)
}

func (c Channel) String() string {
	if c == NoChannel {
		return "none"
	}
	return fmt.Sprintf("ch%d", int(c))
}

func (s Slot) String() string {
	switch s {
	case NoSlot:
		return "none"
	case SlotAny:
		return "any"
	}
	return fmt.Sprintf("slot%d", int(s))
}

// EventQueue selects the transfer controller queue a channel submits to.
type EventQueue int

const (
	EventQueue0 EventQueue = iota
	EventQueue1
	EventQueue2
	EventQueue3

	// EventQueueDefault lets the controller pick its default queue.
	EventQueueDefault EventQueue = -1
)

// Status is the completion status delivered with a completion event.
type Status uint16

const (
	StatusComplete Status = iota + 1
	StatusCCError
	StatusTC1Error
	StatusTC2Error
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusCCError:
		return "cc_error"
	case StatusTC1Error:
		return "tc1_error"
	case StatusTC2Error:
		return "tc2_error"
	}
	return fmt.Sprintf("status(0x%x)", uint16(s))
}

// CompletionFunc is invoked by the controller when a transfer on a channel
// completes or fails. It runs in the controller's event context: it must not
// block, allocate DMA resources or take locks that ordinary code holds while
// calling into the controller.
type CompletionFunc func(link int, status Status, data any)

// Controller is the hardware DMA service. Implementations serialize
// completion delivery per channel.
type Controller interface {
	// AllocChannel reserves the given channel and registers fn to be called
	// with data on completion events of that channel.
	AllocChannel(ch Channel, fn CompletionFunc, data any, queue EventQueue) (Channel, error)
	// AllocSlot reserves a PaRAM entry, either the given one or, with
	// [SlotAny], the next free link slot.
	AllocSlot(slot Slot) (Slot, error)
	// WriteSlot stores a param-set into a PaRAM entry.
	WriteSlot(slot Slot, p ParamSet) error
	// ReadSlot returns the param-set currently stored in a PaRAM entry.
	ReadSlot(slot Slot) (ParamSet, error)
	// Start enables the channel; the engine begins with the channel's own
	// PaRAM entry.
	Start(ch Channel) error
	// Stop disables the channel and clears pending events.
	Stop(ch Channel) error
	FreeSlot(slot Slot) error
	FreeChannel(ch Channel) error
}

// RegionMapper is implemented by controllers that need to be told which
// memory the device addresses of a transfer refer to. Real hardware reaches
// coherent memory on its own and does not implement it.
type RegionMapper interface {
	// MapRegion makes mem reachable at deviceAddr.
	MapRegion(deviceAddr uint32, mem []byte) error
	// UnmapRegion forgets a region added with MapRegion.
	UnmapRegion(deviceAddr uint32) error
}
