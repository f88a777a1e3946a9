package edma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/pool"
	"github.com/ntd-94/am335x-edma/util"
	"github.com/sirupsen/logrus"
)

// LifecycleState is where a [DeviceContext] is between attach and detach.
type LifecycleState int

const (
	Idle LifecycleState = iota
	Attaching
	Ready
	Detaching
	// Failed is held while a failed attach unwinds, and kept when the channel
	// could not be stopped and the session had to be kept.
	Failed
)

func (s LifecycleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attaching:
		return "attaching"
	case Ready:
		return "ready"
	case Detaching:
		return "detaching"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// DeviceConfig is everything needed to attach one device.
type DeviceConfig struct {
	// Name identifies the device in logs and the pool tag defaults to it.
	Name string
	// Identity is registered with the channel and comes back with every
	// completion event.
	Identity any

	PoolTag      string
	BlockSize    int
	Alignment    int
	PoolCapacity int
	DMAMask      uint64
	// Backing defaults to an anonymous mapping, see [pool.WithBacking].
	Backing pool.Backing

	Channel     hw.Channel
	Queue       hw.EventQueue
	SlotCeiling int
	Shape       TransferShape
	QueueSize   int
}

// DefaultDeviceConfig returns the configuration of the EBIC ping/pong engine.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:         "mighty-ebic-dma",
		PoolTag:      "ebic pingpong",
		BlockSize:    4096,
		Alignment:    16,
		PoolCapacity: 2,
		DMAMask:      pool.DMABitMask(32),
		Channel:      20,
		Queue:        hw.EventQueue0,
		SlotCeiling:  MaxSlots,
		Shape: TransferShape{
			ElementSize: 4,
			Count:       256,
			Stride:      4,
			Direction:   DeviceToMemory,
			Peripheral:  0x48030000,
		},
		QueueSize: DefaultQueueSize,
	}
}

func (c DeviceConfig) validate() error {
	if c.PoolCapacity < 2 {
		return fmt.Errorf("pool capacity %d can not hold a ping and a pong block", c.PoolCapacity)
	}
	if err := c.Shape.Validate(c.BlockSize); err != nil {
		return err
	}
	return nil
}

// DeviceContext ties one physical device to its pool, channel and slots. It
// replaces any process wide state: everything a device owns hangs off of it
// and Attach and Detach are strictly paired.
type DeviceContext struct {
	l        *logrus.Logger
	ctrl     hw.Controller
	cfg      DeviceConfig
	rm       *ResourceManager
	notifier *Notifier

	mu      sync.Mutex
	state   LifecycleState
	session *Session

	events      atomic.Uint64
	completions atomic.Uint64
	failures    atomic.Uint64
}

// NewDeviceContext checks the configuration; nothing is acquired until
// Attach.
func NewDeviceContext(l *logrus.Logger, ctrl hw.Controller, cfg DeviceConfig) (*DeviceContext, error) {
	if cfg.PoolTag == "" {
		cfg.PoolTag = cfg.Name
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid device config for %s: %w", cfg.Name, err)
	}

	return &DeviceContext{
		l:        l,
		ctrl:     ctrl,
		cfg:      cfg,
		rm:       NewResourceManager(l, ctrl, cfg.SlotCeiling),
		notifier: NewNotifier(cfg.QueueSize),
	}, nil
}

// Resources returns the manager the device takes its channel and slots from.
func (d *DeviceContext) Resources() *ResourceManager {
	return d.rm
}

// Notifier returns the notifier registered with the channel.
func (d *DeviceContext) Notifier() *Notifier {
	return d.notifier
}

// Name returns the configured device name.
func (d *DeviceContext) Name() string {
	return d.cfg.Name
}

func (d *DeviceContext) State() LifecycleState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Session returns the current session, nil while idle.
func (d *DeviceContext) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Usage returns what the device currently holds.
func (d *DeviceContext) Usage() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.rm.Usage()
	if d.session != nil {
		u.Blocks = d.session.blocksHeld()
	}
	return u
}

// Attach acquires and starts everything the device needs: the pool and its
// two blocks, the channel, two slots, then builds, arms and starts the ring.
// When a step fails everything acquired before it is given back through the
// same teardown Detach uses, the device is idle again and the returned
// *util.ContextualError names the step. If the engine can not be stopped the
// device stays Failed with everything kept, and Detach has to be called later.
func (d *DeviceContext) Attach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Idle {
		return fmt.Errorf("%w: attach of %s while %s", hw.ErrLifecycleViolation, d.cfg.Name, d.state)
	}

	d.state = Attaching
	d.events.Store(0)
	s := newSession()
	d.session = s

	step, err := d.attach(s)
	if err == nil {
		d.state = Ready
		d.l.WithField("device", d.cfg.Name).WithField("ring", s.ring).Info("DMA device attached")
		return nil
	}

	d.state = Failed
	fields := map[string]any{
		"device":  d.cfg.Name,
		"step":    step,
		"channel": s.channel,
	}
	d.l.WithFields(fields).WithError(err).Debug("Attach failed, unwinding")

	if terr := d.teardown(s); terr != nil {
		if errors.Is(terr, errEngineBusy) {
			return util.NewContextualError("Failed to attach dma device, resources kept", fields, errors.Join(err, terr))
		}
		d.l.WithFields(fields).WithError(terr).Warn("Errors while unwinding a failed attach")
	}

	d.session = nil
	d.state = Idle
	return util.NewContextualError("Failed to attach dma device", fields, err)
}

// attach runs the acquisition steps in order and returns the name of the
// failing one.
func (d *DeviceContext) attach(s *Session) (string, error) {
	opts := []pool.Option{pool.WithCapacity(d.cfg.PoolCapacity), pool.WithDMAMask(d.cfg.DMAMask)}
	if d.cfg.Backing != nil {
		opts = append(opts, pool.WithBacking(d.cfg.Backing))
	}
	p, err := pool.New(d.cfg.PoolTag, d.cfg.BlockSize, d.cfg.Alignment, opts...)
	if err != nil {
		return "pool", err
	}
	s.pool = p

	if m, ok := d.ctrl.(hw.RegionMapper); ok {
		addr, mem := p.Region()
		if err := m.MapRegion(addr, mem); err != nil {
			return "map", err
		}
		s.mapper, s.regionAddr = m, addr
	}

	if err := s.allocBlocks(); err != nil {
		return "blocks", err
	}

	ch, err := d.rm.AcquireChannel(d.cfg.Channel, d.notifier.Complete, d.cfg.Identity, d.cfg.Queue)
	if err != nil {
		return "channel", err
	}
	s.channel = ch

	for _, slot := range []*hw.Slot{&s.pingSlot, &s.pongSlot} {
		got, err := d.rm.AcquireSlot(ch)
		if err != nil {
			return "slots", err
		}
		*slot = got
	}

	r, err := BuildRing(d.ctrl, ch, s.ping, s.pong, s.pingSlot, s.pongSlot, d.cfg.Shape)
	if err != nil {
		return "ring", err
	}
	if err := r.Verify(d.ctrl); err != nil {
		return "ring", err
	}
	s.ring = r

	if err := d.rm.Arm(r); err != nil {
		return "arm", err
	}
	if err := d.rm.Start(ch); err != nil {
		return "start", err
	}
	return "", nil
}

// Detach stops the device and gives back everything the session holds, in
// reverse order of acquisition. It is best effort: failures are logged and the
// remaining handles are still released. The only exception is a channel that
// can not be stopped, then nothing the engine may still use is released and
// the device stays failed until Detach is tried again.
func (d *DeviceContext) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Idle:
		d.l.WithField("device", d.cfg.Name).Debug("Detach of an idle device")
		return
	case Ready, Failed:
	default:
		violate("detach", d.cfg.Name, "device is %s", d.state)
	}

	d.state = Detaching
	err := d.teardown(d.session)
	if errors.Is(err, errEngineBusy) {
		d.state = Failed
		d.l.WithField("device", d.cfg.Name).WithError(err).Error("Failed to detach dma device")
		return
	}
	if err != nil {
		d.l.WithField("device", d.cfg.Name).WithError(err).Warn("Errors while detaching dma device")
	}

	d.session = nil
	d.state = Idle
	d.l.WithField("device", d.cfg.Name).
		WithField("completions", d.completions.Load()).
		WithField("transferErrors", d.failures.Load()).
		Info("DMA device detached")
}

// teardown releases the handles s holds: stop, slots, channel, blocks, the
// region mapping and finally the pool. Handles never acquired are skipped and
// released ones are reset. Errors of individual steps are joined.
func (d *DeviceContext) teardown(s *Session) error {
	if s == nil {
		return nil
	}

	var errs []error

	if s.channel != hw.NoChannel {
		switch d.rm.State(s.channel) {
		case ChannelArmed, ChannelRunning:
			if err := d.rm.Stop(s.channel); err != nil {
				return fmt.Errorf("%w: %w", errEngineBusy, err)
			}
		}
	}

	for _, slot := range []*hw.Slot{&s.pongSlot, &s.pingSlot} {
		if *slot == hw.NoSlot {
			continue
		}
		if err := d.rm.ReleaseSlot(*slot); err != nil {
			errs = append(errs, err)
		}
		*slot = hw.NoSlot
	}
	s.ring = nil

	if s.channel != hw.NoChannel {
		if err := d.rm.ReleaseChannel(s.channel); err != nil {
			errs = append(errs, err)
		}
		s.channel = hw.NoChannel
	}

	for _, b := range []**pool.Block{&s.pong, &s.ping} {
		if *b == nil {
			continue
		}
		if err := s.pool.Free(*b); err != nil {
			errs = append(errs, escalate("free", fmt.Sprintf("block 0x%08x", (*b).DeviceAddr()), err))
		}
		*b = nil
	}

	if s.mapper != nil {
		if err := s.mapper.UnmapRegion(s.regionAddr); err != nil {
			errs = append(errs, fmt.Errorf("unmap region 0x%08x: %w", s.regionAddr, err))
		}
		s.mapper = nil
	}

	if s.pool != nil {
		if err := s.pool.Destroy(); err != nil {
			errs = append(errs, escalate("destroy", s.pool.Tag(), err))
		}
		s.pool = nil
	}

	return errors.Join(errs...)
}

// IdleBlock returns the block the engine is not working on, the one that can be
// processed. It reads the channel's param-set to find the active half.
func (d *DeviceContext) IdleBlock() (*pool.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return nil, fmt.Errorf("%s is %s", d.cfg.Name, d.state)
	}
	r := d.session.ring
	active, err := d.ctrl.ReadSlot(r.Channel.Slot())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.Channel.Slot(), err)
	}
	h, ok := r.Half(active)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %s", ErrBrokenRing, r.Channel.Slot(), active)
	}
	if h == &r.Ping {
		return r.Pong.Block, nil
	}
	return r.Ping.Block, nil
}

// Completions returns the number of successful completions handled so far.
func (d *DeviceContext) Completions() uint64 {
	return d.completions.Load()
}

// TransferErrors returns the number of completions with an error status.
func (d *DeviceContext) TransferErrors() uint64 {
	return d.failures.Load()
}

// Serve consumes completion events until ctx is done. Transfer errors are
// logged and counted but never tear anything down: the engine may well go on
// with the other half.
func (d *DeviceContext) Serve(ctx context.Context) {
	d.notifier.Run(ctx, d.handleCompletion)
}

func (d *DeviceContext) handleCompletion(ev CompletionEvent) {
	// The ring starts with ping and every event, failed or not, ends one
	// half.
	half := "ping"
	if d.events.Add(1)%2 == 0 {
		half = "pong"
	}
	l := d.l.WithField("device", d.cfg.Name).WithField("half", half)

	if err := ev.Err(); err != nil {
		d.failures.Add(1)
		l.WithError(err).Error("DMA transfer failed")
		return
	}

	d.completions.Add(1)
	l.WithField("link", ev.Link).
		WithField("status", ev.Status).
		Debug("DMA transfer complete")
}
