package edma

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	// SlotsPerChannel is the number of link slots a channel may hold: one for
	// the ping and one for the pong half.
	SlotsPerChannel = 2

	// MaxSlots is the default ceiling of link slots held device wide. Link
	// slots are shared with every other EDMA user on the SoC.
	MaxSlots = 16
)

// ChannelState is where a channel is in its lifecycle.
type ChannelState int

const (
	ChannelUnallocated ChannelState = iota
	// ChannelAllocated channels own their slots but have nothing loaded.
	ChannelAllocated
	// ChannelArmed channels have a complete ring loaded and wait for Start.
	ChannelArmed
	ChannelRunning
	// ChannelStopped is only reached through an explicit Stop. The channel and
	// its slots can be released from here.
	ChannelStopped
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnallocated:
		return "unallocated"
	case ChannelAllocated:
		return "allocated"
	case ChannelArmed:
		return "armed"
	case ChannelRunning:
		return "running"
	case ChannelStopped:
		return "stopped"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// Usage is a snapshot of the handles held.
type Usage struct {
	Channels int
	Slots    int
	Blocks   int
}

// IsZero reports whether nothing is held.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

type channelEntry struct {
	state ChannelState
	slots []hw.Slot
}

// ResourceManager hands out channels and link slots from a [hw.Controller]
// and keeps track of who owns them. All of its bookkeeping sits behind one
// mutex which is held across the controller calls. Completion callbacks never
// come through here.
type ResourceManager struct {
	l       *logrus.Logger
	ctrl    hw.Controller
	ceiling int

	mu       sync.Mutex
	channels map[hw.Channel]*channelEntry
	slots    map[hw.Slot]hw.Channel

	channelsInUse metrics.Gauge
	slotsInUse    metrics.Gauge
}

// NewResourceManager returns a manager that never holds more than ceiling link
// slots at once. A ceiling below one means [MaxSlots].
func NewResourceManager(l *logrus.Logger, ctrl hw.Controller, ceiling int) *ResourceManager {
	if ceiling < 1 {
		ceiling = MaxSlots
	}
	return &ResourceManager{
		l:             l,
		ctrl:          ctrl,
		ceiling:       ceiling,
		channels:      map[hw.Channel]*channelEntry{},
		slots:         map[hw.Slot]hw.Channel{},
		channelsInUse: metrics.GetOrRegisterGauge("edma.channels.in_use", nil),
		slotsInUse:    metrics.GetOrRegisterGauge("edma.slots.in_use", nil),
	}
}

// AcquireChannel reserves the preferred channel, or any channel for
// [hw.NoChannel], and registers fn to be called with data on its completion
// events. There is no retry: a channel that is owned already or refused by
// the controller fails with [ErrChannelUnavailable].
func (rm *ResourceManager) AcquireChannel(preferred hw.Channel, fn hw.CompletionFunc, data any, queue hw.EventQueue) (hw.Channel, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.channels[preferred]; ok && preferred != hw.NoChannel {
		return hw.NoChannel, fmt.Errorf("%w: %s is already owned", ErrChannelUnavailable, preferred)
	}

	ch, err := rm.ctrl.AllocChannel(preferred, fn, data, queue)
	if err != nil {
		return hw.NoChannel, fmt.Errorf("%w: %s: %w", ErrChannelUnavailable, preferred, err)
	}
	if _, ok := rm.channels[ch]; ok {
		// The controller handed out a channel we already own, its bookkeeping
		// can not be trusted from here on.
		panic(fmt.Sprintf("controller handed out %s twice", ch))
	}

	rm.channels[ch] = &channelEntry{state: ChannelAllocated}
	rm.update()
	rm.l.WithField("channel", ch).WithField("queue", queue).Debug("Acquired channel")
	return ch, nil
}

// AcquireSlot reserves a link slot for ch. A channel holds at most
// [SlotsPerChannel] slots and the manager at most its ceiling; past either
// limit [ErrSlotExhausted] is returned and nothing changes.
func (rm *ResourceManager) AcquireSlot(ch hw.Channel) (hw.Slot, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	e, ok := rm.channels[ch]
	if !ok {
		return hw.NoSlot, fmt.Errorf("%w: slot requested for %s which is not owned", hw.ErrLifecycleViolation, ch)
	}
	if e.state != ChannelAllocated {
		return hw.NoSlot, fmt.Errorf("%w: slot requested for %s which is %s", hw.ErrLifecycleViolation, ch, e.state)
	}
	if len(e.slots) >= SlotsPerChannel {
		return hw.NoSlot, fmt.Errorf("%w: %s already holds %d slots", ErrSlotExhausted, ch, len(e.slots))
	}
	if len(rm.slots) >= rm.ceiling {
		return hw.NoSlot, fmt.Errorf("%w: %d of %d slots in use", ErrSlotExhausted, len(rm.slots), rm.ceiling)
	}

	s, err := rm.ctrl.AllocSlot(hw.SlotAny)
	if err != nil {
		return hw.NoSlot, fmt.Errorf("%w: %w", ErrSlotExhausted, err)
	}

	e.slots = append(e.slots, s)
	rm.slots[s] = ch
	rm.update()
	rm.l.WithField("channel", ch).WithField("slot", s).Debug("Acquired slot")
	return s, nil
}

// ReleaseSlot gives a slot back to the controller. Releasing a slot that was
// never acquired or whose channel is armed or running panics with a
// [*LifecycleViolation]. The slot is forgotten even if the controller reports
// an error.
func (rm *ResourceManager) ReleaseSlot(s hw.Slot) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	ch, ok := rm.slots[s]
	if !ok {
		violate("release", s, "slot was never acquired")
	}
	e := rm.channels[ch]
	if e.state == ChannelArmed || e.state == ChannelRunning {
		violate("release", s, "%s is %s", ch, e.state)
	}

	delete(rm.slots, s)
	e.slots = slices.DeleteFunc(e.slots, func(held hw.Slot) bool { return held == s })
	rm.update()

	if err := rm.ctrl.FreeSlot(s); err != nil {
		return fmt.Errorf("free %s: %w", s, err)
	}
	rm.l.WithField("channel", ch).WithField("slot", s).Debug("Released slot")
	return nil
}

// ReleaseChannel gives a channel back to the controller. Its slots must have
// been released before. Like [ResourceManager.ReleaseSlot] it panics on
// handles that are not safe to release.
func (rm *ResourceManager) ReleaseChannel(ch hw.Channel) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	e, ok := rm.channels[ch]
	if !ok {
		violate("release", ch, "channel was never acquired")
	}
	if e.state == ChannelArmed || e.state == ChannelRunning {
		violate("release", ch, "channel is %s", e.state)
	}
	if len(e.slots) != 0 {
		violate("release", ch, "channel still holds %v", e.slots)
	}

	delete(rm.channels, ch)
	rm.update()

	if err := rm.ctrl.FreeChannel(ch); err != nil {
		return fmt.Errorf("free %s: %w", ch, err)
	}
	rm.l.WithField("channel", ch).Debug("Released channel")
	return nil
}

// Arm loads the ping half of a ring into the channel's own param-set. Only a
// ring returned by [BuildRing] over slots the channel owns is accepted.
func (rm *ResourceManager) Arm(r *Ring) error {
	if r == nil {
		return fmt.Errorf("%w: arm without a ring", hw.ErrLifecycleViolation)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	e, ok := rm.channels[r.Channel]
	if !ok {
		return fmt.Errorf("%w: arm of %s which is not owned", hw.ErrLifecycleViolation, r.Channel)
	}
	if e.state != ChannelAllocated {
		return fmt.Errorf("%w: arm of %s which is %s", hw.ErrLifecycleViolation, r.Channel, e.state)
	}
	for _, s := range []hw.Slot{r.Ping.Slot, r.Pong.Slot} {
		if owner, ok := rm.slots[s]; !ok || owner != r.Channel {
			return fmt.Errorf("%w: ring uses %s which %s does not own", hw.ErrLifecycleViolation, s, r.Channel)
		}
	}

	if err := rm.ctrl.WriteSlot(r.Channel.Slot(), r.Ping.Params); err != nil {
		return fmt.Errorf("load %s: %w", r.Channel.Slot(), err)
	}
	e.state = ChannelArmed
	rm.l.WithField("channel", r.Channel).WithField("ring", r).Debug("Armed channel")
	return nil
}

// Start lets an armed channel run.
func (rm *ResourceManager) Start(ch hw.Channel) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	e, ok := rm.channels[ch]
	if !ok || e.state != ChannelArmed {
		return fmt.Errorf("%w: start of %s which is %s", hw.ErrLifecycleViolation, ch, rm.state(ch))
	}
	if err := rm.ctrl.Start(ch); err != nil {
		return fmt.Errorf("start %s: %w", ch, err)
	}
	e.state = ChannelRunning
	return nil
}

// Stop halts an armed or running channel. When the controller fails to stop
// it the channel keeps its state.
func (rm *ResourceManager) Stop(ch hw.Channel) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	e, ok := rm.channels[ch]
	if !ok || (e.state != ChannelArmed && e.state != ChannelRunning) {
		return fmt.Errorf("%w: stop of %s which is %s", hw.ErrLifecycleViolation, ch, rm.state(ch))
	}
	if err := rm.ctrl.Stop(ch); err != nil {
		return fmt.Errorf("stop %s: %w", ch, err)
	}
	e.state = ChannelStopped
	return nil
}

// State returns the state of a channel, [ChannelUnallocated] if it is not
// owned.
func (rm *ResourceManager) State(ch hw.Channel) ChannelState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state(ch)
}

// Slots returns the slots ch holds in the order they were acquired.
func (rm *ResourceManager) Slots(ch hw.Channel) []hw.Slot {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if e, ok := rm.channels[ch]; ok {
		return slices.Clone(e.slots)
	}
	return nil
}

// Usage returns the number of channels and slots held.
func (rm *ResourceManager) Usage() Usage {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return Usage{Channels: len(rm.channels), Slots: len(rm.slots)}
}

func (rm *ResourceManager) state(ch hw.Channel) ChannelState {
	if e, ok := rm.channels[ch]; ok {
		return e.state
	}
	return ChannelUnallocated
}

// update must be called with mu held.
func (rm *ResourceManager) update() {
	rm.channelsInUse.Update(int64(len(rm.channels)))
	rm.slotsInUse.Update(int64(len(rm.slots)))
}
