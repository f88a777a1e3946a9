// Package hwsim implements [hw.Controller] in software. It keeps a PaRAM,
// executes param-sets over memory regions mapped into it, follows links and
// raises completion events the way an EDMA3 channel controller does, so the
// rest of the module can run without the hardware.
package hwsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRunning is returned when an event is triggered on a channel that
	// is not started.
	ErrNotRunning = errors.New("channel is not running")

	// ErrNullParamSet is returned when an event hits a channel whose
	// param-set describes no transfer.
	ErrNullParamSet = errors.New("null param-set triggered")

	// ErrBusy is returned when a channel or slot is allocated already.
	ErrBusy = errors.New("resource is busy")
)

// Peripheral is whatever sits behind device addresses no region covers.
type Peripheral interface {
	// Read fills p with data read from addr.
	Read(addr uint32, p []byte)
	// Write takes data written to addr.
	Write(addr uint32, p []byte)
}

// CounterFIFO is a peripheral producing an incrementing byte pattern and
// swallowing everything written to it.
type CounterFIFO struct {
	mu      sync.Mutex
	next    byte
	written int
}

func (f *CounterFIFO) Read(_ uint32, p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range p {
		p[i] = f.next
		f.next++
	}
}

func (f *CounterFIFO) Write(_ uint32, p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written += len(p)
}

// Written returns the number of bytes written to the FIFO.
func (f *CounterFIFO) Written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

type channel struct {
	fn      hw.CompletionFunc
	data    any
	queue   hw.EventQueue
	running bool
}

// Controller is a simulated EDMA3 channel controller. Entries 0 to Channels-1
// of its PaRAM belong to the channels, the rest are link slots.
type Controller struct {
	l          *logrus.Logger
	channels   int
	peripheral Peripheral

	// eventMu serializes event processing so completions for a channel are
	// never delivered concurrently.
	eventMu sync.Mutex

	mu        sync.Mutex
	layout    MemoryLayout
	params    []hw.ParamSet
	allocated []bool
	owners    map[hw.Channel]*channel

	events    metrics.Counter
	errEvents metrics.Counter
}

// New returns a controller laid out like the AM335x: 64 channels and 256
// PaRAM entries, unless overridden by options.
func New(l *logrus.Logger, options ...Option) (*Controller, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.peripheral == nil {
		opts.peripheral = &CounterFIFO{}
	}

	c := &Controller{
		l:          l,
		channels:   opts.channels,
		peripheral: opts.peripheral,
		params:     make([]hw.ParamSet, opts.slots),
		allocated:  make([]bool, opts.slots),
		owners:     map[hw.Channel]*channel{},
		events:     metrics.GetOrRegisterCounter("sim.events", nil),
		errEvents:  metrics.GetOrRegisterCounter("sim.events.error", nil),
	}
	for i := range c.params {
		c.params[i] = hw.NullParamSet()
	}
	return c, nil
}

func (c *Controller) AllocChannel(ch hw.Channel, fn hw.CompletionFunc, data any, queue hw.EventQueue) (hw.Channel, error) {
	if queue == hw.EventQueueDefault {
		queue = hw.EventQueue0
	}
	if queue < hw.EventQueue0 || queue > hw.EventQueue3 {
		return hw.NoChannel, fmt.Errorf("no event queue %d", queue)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch < 0 {
		ch = hw.NoChannel
		for i := 0; i < c.channels; i++ {
			if _, taken := c.owners[hw.Channel(i)]; !taken {
				ch = hw.Channel(i)
				break
			}
		}
		if ch == hw.NoChannel {
			return hw.NoChannel, fmt.Errorf("%w: all %d channels are allocated", ErrBusy, c.channels)
		}
	}
	if int(ch) >= c.channels {
		return hw.NoChannel, fmt.Errorf("no such channel %s", ch)
	}
	if _, taken := c.owners[ch]; taken {
		return hw.NoChannel, fmt.Errorf("%w: %s", ErrBusy, ch)
	}

	c.owners[ch] = &channel{fn: fn, data: data, queue: queue}
	c.allocated[ch] = true
	c.params[ch] = hw.NullParamSet()
	return ch, nil
}

func (c *Controller) AllocSlot(s hw.Slot) (hw.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s == hw.SlotAny {
		for i := c.channels; i < len(c.params); i++ {
			if !c.allocated[i] {
				s = hw.Slot(i)
				break
			}
		}
		if s == hw.SlotAny {
			return hw.NoSlot, fmt.Errorf("%w: all link slots are allocated", ErrBusy)
		}
	}
	if int(s) < c.channels || int(s) >= len(c.params) {
		return hw.NoSlot, fmt.Errorf("%s is not a link slot", s)
	}
	if c.allocated[s] {
		return hw.NoSlot, fmt.Errorf("%w: %s", ErrBusy, s)
	}

	c.allocated[s] = true
	c.params[s] = hw.NullParamSet()
	return s, nil
}

func (c *Controller) WriteSlot(s hw.Slot, p hw.ParamSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSlot(s); err != nil {
		return err
	}
	c.params[s] = p
	return nil
}

func (c *Controller) ReadSlot(s hw.Slot) (hw.ParamSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSlot(s); err != nil {
		return hw.ParamSet{}, err
	}
	return c.params[s], nil
}

func (c *Controller) Start(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.owners[ch]
	if !ok {
		return fmt.Errorf("start of unallocated %s", ch)
	}
	o.running = true
	return nil
}

func (c *Controller) Stop(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.owners[ch]
	if !ok {
		return fmt.Errorf("stop of unallocated %s", ch)
	}
	o.running = false
	return nil
}

func (c *Controller) FreeSlot(s hw.Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(s) < c.channels {
		return fmt.Errorf("%s belongs to a channel", s)
	}
	if err := c.checkSlot(s); err != nil {
		return err
	}
	c.allocated[s] = false
	c.params[s] = hw.NullParamSet()
	return nil
}

func (c *Controller) FreeChannel(ch hw.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.owners[ch]; !ok {
		return fmt.Errorf("free of unallocated %s", ch)
	}
	delete(c.owners, ch)
	c.allocated[ch] = false
	c.params[ch] = hw.NullParamSet()
	return nil
}

// MapRegion implements [hw.RegionMapper].
func (c *Controller) MapRegion(deviceAddr uint32, mem []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	layout, err := c.layout.add(MemoryRegion{DeviceAddress: deviceAddr, Mem: mem})
	if err != nil {
		return err
	}
	c.layout = layout
	return nil
}

// UnmapRegion implements [hw.RegionMapper].
func (c *Controller) UnmapRegion(deviceAddr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	layout, err := c.layout.remove(deviceAddr)
	if err != nil {
		return err
	}
	c.layout = layout
	return nil
}

// Layout returns a copy of the mapped regions.
func (c *Controller) Layout() MemoryLayout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(MemoryLayout(nil), c.layout...)
}

// Running returns the started channels in ascending order.
func (c *Controller) Running() []hw.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []hw.Channel
	for ch, o := range c.owners {
		if o.running {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Trigger delivers one sync event to ch, the way a peripheral requesting
// service would. The channel's param-set is executed for one frame; once it
// is exhausted the linked param-set is loaded in its place and the completion
// is raised if it asked for one. Completion callbacks run on the calling
// goroutine after all locks were dropped.
func (c *Controller) Trigger(ch hw.Channel) error {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.mu.Lock()
	o, ok := c.owners[ch]
	if !ok || !o.running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, ch)
	}
	c.events.Inc(1)

	p := c.params[ch]
	if p.IsNull() {
		fn, data := o.fn, o.data
		c.params[ch] = hw.NullParamSet()
		c.mu.Unlock()
		c.errEvents.Inc(1)
		if fn != nil {
			fn(int(ch), hw.StatusCCError, data)
		}
		return fmt.Errorf("%w on %s", ErrNullParamSet, ch)
	}

	next, final, err := c.execute(p)
	status := hw.StatusComplete
	notify := false
	if err != nil {
		// A bus error aborts the param-set.
		status, final, notify = hw.StatusTC1Error, true, true
		c.errEvents.Inc(1)
	} else if final {
		notify = p.Opt&hw.OptTCIntEn != 0
	} else {
		notify = p.Opt&hw.OptITCIntEn != 0
	}

	switch {
	case !final:
		c.params[ch] = next
	case p.Opt&hw.OptStatic != 0:
	case p.Link() != hw.NoSlot && int(p.Link()) < len(c.params):
		c.params[ch] = c.params[p.Link()]
	default:
		c.params[ch] = hw.NullParamSet()
	}

	var fn hw.CompletionFunc
	var data any
	tcc := p.TCC()
	if target, ok := c.owners[tcc]; ok {
		fn, data = target.fn, target.data
	}
	c.mu.Unlock()

	if notify && fn != nil {
		fn(int(tcc), status, data)
	}
	return err
}

// execute must be called with mu held. It moves one frame, or one array for
// A-synchronized sets, and returns the param-set updated for the next event.
func (c *Controller) execute(p hw.ParamSet) (hw.ParamSet, bool, error) {
	acnt, bcnt := p.ACnt(), p.BCnt()
	src, dst := int64(p.Src), int64(p.Dst)

	arrays := 1
	if p.Opt&hw.OptSyncDimAB != 0 {
		arrays = bcnt
	}
	for i := 0; i < arrays; i++ {
		s := src + int64(i*p.SrcBIdx())
		d := dst + int64(i*p.DstBIdx())
		if p.Opt&hw.OptSAM != 0 {
			s = src
		}
		if p.Opt&hw.OptDAM != 0 {
			d = dst
		}
		if err := c.move(uint32(s), uint32(d), acnt); err != nil {
			return p, true, err
		}
	}

	next := p
	if p.Opt&hw.OptSyncDimAB == 0 && bcnt > 1 {
		next.SetCounts(acnt, bcnt-1)
		next.Src = uint32(src + int64(p.SrcBIdx()))
		next.Dst = uint32(dst + int64(p.DstBIdx()))
		return next, false, nil
	}

	next.CCnt--
	if next.CCnt == 0 {
		return next, true, nil
	}
	next.SetCounts(acnt, p.BCntRld())
	next.Src = uint32(src + int64(p.SrcCIdx()))
	next.Dst = uint32(dst + int64(p.DstCIdx()))
	return next, false, nil
}

// move must be called with mu held.
func (c *Controller) move(src, dst uint32, n int) error {
	buf := make([]byte, n)
	if c.layout.covers(src, n) {
		mem, err := c.layout.slice(src, n)
		if err != nil {
			return err
		}
		copy(buf, mem)
	} else {
		c.peripheral.Read(src, buf)
	}

	if c.layout.covers(dst, n) {
		mem, err := c.layout.slice(dst, n)
		if err != nil {
			return err
		}
		copy(mem, buf)
	} else {
		c.peripheral.Write(dst, buf)
	}
	return nil
}

// checkSlot must be called with mu held.
func (c *Controller) checkSlot(s hw.Slot) error {
	if s < 0 || int(s) >= len(c.params) {
		return fmt.Errorf("no such PaRAM entry %s", s)
	}
	if !c.allocated[s] {
		return fmt.Errorf("%s is not allocated", s)
	}
	return nil
}

// Run triggers every running channel once per interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, ch := range c.Running() {
				if err := c.Trigger(ch); err != nil && !errors.Is(err, ErrNotRunning) {
					c.l.WithError(err).WithField("channel", ch).Warn("Simulated transfer failed")
				}
			}
		}
	}
}

var (
	_ hw.Controller   = (*Controller)(nil)
	_ hw.RegionMapper = (*Controller)(nil)
)
