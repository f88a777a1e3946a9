// Package hwtest is meant to be used to test code driving a [hw.Controller].
//
// [Controller] records every call made to it, can be told to fail specific
// calls, and lets the test deliver completion events.
package hwtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ntd-94/am335x-edma/hw"
)

// ErrInjected is the error returned by calls set up to fail without a more
// specific error.
var ErrInjected = errors.New("hwtest: injected failure")

// Op names a [hw.Controller] method.
type Op string

const (
	OpAllocChannel Op = "AllocChannel"
	OpAllocSlot    Op = "AllocSlot"
	OpWriteSlot    Op = "WriteSlot"
	OpReadSlot     Op = "ReadSlot"
	OpStart        Op = "Start"
	OpStop         Op = "Stop"
	OpFreeSlot     Op = "FreeSlot"
	OpFreeChannel  Op = "FreeChannel"
)

// Call is one recorded call. Channel and Slot hold the argument or result,
// or the sentinel when the call had none. Err is what the call returned.
type Call struct {
	Op      Op
	Channel hw.Channel
	Slot    hw.Slot
	Err     error
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%s,%s)", c.Op, c.Channel, c.Slot)
}

type failure struct {
	nth int
	err error
}

type registration struct {
	fn   hw.CompletionFunc
	data any
}

// Controller implements hw.Controller in memory.
//
// Channels 0 to Channels-1 are the DMA channels, entries from Channels to
// Slots-1 are link slots handed out for [hw.SlotAny].
type Controller struct {
	// These should be immutable.
	Channels int
	Slots    int

	mu       sync.Mutex
	calls    []Call
	counts   map[Op]int
	failures map[Op]failure
	channels map[hw.Channel]registration
	running  map[hw.Channel]bool
	slots    map[hw.Slot]bool
	params   map[hw.Slot]hw.ParamSet
}

// New returns a controller with the AM335x layout of 64 channels and 256
// PaRAM entries.
func New() *Controller {
	return NewWithLayout(64, 256)
}

// NewWithLayout returns a controller with the given number of channels and
// PaRAM entries.
func NewWithLayout(channels, slots int) *Controller {
	return &Controller{
		Channels: channels,
		Slots:    slots,
		counts:   map[Op]int{},
		failures: map[Op]failure{},
		channels: map[hw.Channel]registration{},
		running:  map[hw.Channel]bool{},
		slots:    map[hw.Slot]bool{},
		params:   map[hw.Slot]hw.ParamSet{},
	}
}

// Fail makes the nth call (counting from 1) of op return err. With nth 0
// every following call fails. A nil err clears the failure.
func (c *Controller) Fail(op Op, nth int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = failure{nth: nth, err: err}
}

// Calls returns a copy of all recorded calls in order.
func (c *Controller) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Ops returns the recorded calls of the given operation.
func (c *Controller) Ops(op Op) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Count returns how often op was called, including failed calls.
func (c *Controller) Count(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// Index returns the position of the first recorded call of op, or -1.
func (c *Controller) Index(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, call := range c.calls {
		if call.Op == op {
			return i
		}
	}
	return -1
}

// Held returns the number of channels and slots currently allocated.
func (c *Controller) Held() (channels, slots int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels), len(c.slots)
}

// Running reports whether the channel was started and not stopped since.
func (c *Controller) Running(ch hw.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[ch]
}

// Param returns what was last written to a slot.
func (c *Controller) Param(s hw.Slot) (hw.ParamSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.params[s]
	return p, ok
}

// Fire delivers a completion event for ch to the registered callback on the
// calling goroutine. It returns false when no callback is registered.
func (c *Controller) Fire(ch hw.Channel, link int, status hw.Status) bool {
	c.mu.Lock()
	reg, ok := c.channels[ch]
	c.mu.Unlock()
	if !ok || reg.fn == nil {
		return false
	}
	reg.fn(link, status, reg.data)
	return true
}

// refuse must be called with mu held. It stores err on the last recorded call.
func (c *Controller) refuse(err error) error {
	c.calls[len(c.calls)-1].Err = err
	return err
}

// record must be called with mu held. It returns the injected error, if any.
func (c *Controller) record(op Op, ch hw.Channel, s hw.Slot) error {
	c.counts[op]++
	var err error
	if f, ok := c.failures[op]; ok && (f.nth == 0 || f.nth == c.counts[op]) {
		err = f.err
	}
	c.calls = append(c.calls, Call{Op: op, Channel: ch, Slot: s, Err: err})
	return err
}

func (c *Controller) AllocChannel(ch hw.Channel, fn hw.CompletionFunc, data any, _ hw.EventQueue) (hw.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpAllocChannel, ch, hw.NoSlot); err != nil {
		return hw.NoChannel, err
	}

	if ch < 0 {
		for i := 0; i < c.Channels; i++ {
			if _, taken := c.channels[hw.Channel(i)]; !taken {
				ch = hw.Channel(i)
				break
			}
		}
		if ch < 0 {
			return hw.NoChannel, c.refuse(errors.New("hwtest: no free channel"))
		}
	}
	if int(ch) >= c.Channels {
		return hw.NoChannel, c.refuse(fmt.Errorf("hwtest: no such channel %s", ch))
	}
	if _, taken := c.channels[ch]; taken {
		return hw.NoChannel, c.refuse(fmt.Errorf("hwtest: %s is busy", ch))
	}

	c.channels[ch] = registration{fn: fn, data: data}
	// The channel's own entry comes with the channel.
	c.slots[ch.Slot()] = true
	c.calls[len(c.calls)-1].Channel = ch
	return ch, nil
}

func (c *Controller) AllocSlot(s hw.Slot) (hw.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpAllocSlot, hw.NoChannel, s); err != nil {
		return hw.NoSlot, err
	}

	if s == hw.SlotAny {
		for i := c.Channels; i < c.Slots; i++ {
			if !c.slots[hw.Slot(i)] {
				s = hw.Slot(i)
				break
			}
		}
		if s == hw.SlotAny {
			return hw.NoSlot, c.refuse(errors.New("hwtest: no free slot"))
		}
	}
	if s < 0 || int(s) >= c.Slots || c.slots[s] {
		return hw.NoSlot, c.refuse(fmt.Errorf("hwtest: %s is not available", s))
	}

	c.slots[s] = true
	c.calls[len(c.calls)-1].Slot = s
	return s, nil
}

func (c *Controller) WriteSlot(s hw.Slot, p hw.ParamSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpWriteSlot, hw.NoChannel, s); err != nil {
		return err
	}
	if !c.slots[s] {
		return c.refuse(fmt.Errorf("hwtest: write to unallocated %s", s))
	}
	c.params[s] = p
	return nil
}

func (c *Controller) ReadSlot(s hw.Slot) (hw.ParamSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpReadSlot, hw.NoChannel, s); err != nil {
		return hw.ParamSet{}, err
	}
	if !c.slots[s] {
		return hw.ParamSet{}, c.refuse(fmt.Errorf("hwtest: read from unallocated %s", s))
	}
	return c.params[s], nil
}

func (c *Controller) Start(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpStart, ch, hw.NoSlot); err != nil {
		return err
	}
	if _, ok := c.channels[ch]; !ok {
		return c.refuse(fmt.Errorf("hwtest: start of unallocated %s", ch))
	}
	c.running[ch] = true
	return nil
}

func (c *Controller) Stop(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpStop, ch, hw.NoSlot); err != nil {
		return err
	}
	if _, ok := c.channels[ch]; !ok {
		return c.refuse(fmt.Errorf("hwtest: stop of unallocated %s", ch))
	}
	delete(c.running, ch)
	return nil
}

func (c *Controller) FreeSlot(s hw.Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpFreeSlot, hw.NoChannel, s); err != nil {
		return err
	}
	if !c.slots[s] {
		return c.refuse(fmt.Errorf("hwtest: free of unallocated %s", s))
	}
	delete(c.slots, s)
	delete(c.params, s)
	return nil
}

func (c *Controller) FreeChannel(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(OpFreeChannel, ch, hw.NoSlot); err != nil {
		return err
	}
	if _, ok := c.channels[ch]; !ok {
		return c.refuse(fmt.Errorf("hwtest: free of unallocated %s", ch))
	}
	delete(c.channels, ch)
	delete(c.running, ch)
	delete(c.slots, ch.Slot())
	delete(c.params, ch.Slot())
	return nil
}

var _ hw.Controller = (*Controller)(nil)
