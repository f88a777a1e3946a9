package hwsim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completion struct {
	link   int
	status hw.Status
	data   any
}

type recorder struct {
	mu   sync.Mutex
	seen []completion
}

func (r *recorder) complete(link int, status hw.Status, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, completion{link, status, data})
}

func (r *recorder) all() []completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion(nil), r.seen...)
}

func newTestController(t *testing.T, options ...Option) *Controller {
	t.Helper()
	c, err := New(test.NewLogger(), options...)
	require.NoError(t, err)
	return c
}

// rxSet reads count elements of 4 bytes from the FIFO into dst.
func rxSet(ch hw.Channel, dst uint32, count int, link hw.Slot) hw.ParamSet {
	p := hw.ParamSet{
		Opt:         hw.OptSyncDimAB | hw.OptTCC(ch) | hw.OptTCIntEn,
		Src:         0x48030000,
		Dst:         dst,
		SrcDstBIdx:  4 << 16,
		LinkBCntRld: uint32(count) << 16,
		CCnt:        1,
	}
	p.SetCounts(4, count)
	p.SetLink(link)
	return p
}

func TestNew_Options(t *testing.T) {
	_, err := New(test.NewLogger(), WithLayout(0, 10))
	assert.ErrorContains(t, err, "channel count")
	_, err = New(test.NewLogger(), WithLayout(8, 8))
	assert.ErrorContains(t, err, "more PaRAM entries")
	_, err = New(test.NewLogger(), WithLayout(8, 1024))
	assert.ErrorContains(t, err, "exceeds 512")
}

func TestController_Allocation(t *testing.T) {
	c := newTestController(t, WithLayout(4, 8))

	ch, err := c.AllocChannel(2, nil, nil, hw.EventQueueDefault)
	require.NoError(t, err)
	assert.Equal(t, hw.Channel(2), ch)

	_, err = c.AllocChannel(2, nil, nil, hw.EventQueue0)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.AllocChannel(4, nil, nil, hw.EventQueue0)
	assert.ErrorContains(t, err, "no such channel")
	_, err = c.AllocChannel(1, nil, nil, hw.EventQueue(7))
	assert.ErrorContains(t, err, "event queue")

	picked, err := c.AllocChannel(hw.NoChannel, nil, nil, hw.EventQueue1)
	require.NoError(t, err)
	assert.Equal(t, hw.Channel(0), picked)

	var slots []hw.Slot
	for range 4 {
		s, err := c.AllocSlot(hw.SlotAny)
		require.NoError(t, err)
		slots = append(slots, s)
	}
	assert.Equal(t, []hw.Slot{4, 5, 6, 7}, slots)
	_, err = c.AllocSlot(hw.SlotAny)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.AllocSlot(2)
	assert.ErrorContains(t, err, "not a link slot")

	assert.ErrorContains(t, c.FreeSlot(2), "belongs to a channel")
	require.NoError(t, c.FreeSlot(5))
	assert.Error(t, c.FreeSlot(5))
	s, err := c.AllocSlot(5)
	require.NoError(t, err)
	assert.Equal(t, hw.Slot(5), s)

	assert.Error(t, c.WriteSlot(3, hw.ParamSet{}), "unallocated channel entry")
	require.NoError(t, c.WriteSlot(2, hw.ParamSet{CCnt: 7}))
	p, err := c.ReadSlot(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), p.CCnt)

	require.NoError(t, c.FreeChannel(2))
	assert.Error(t, c.FreeChannel(2))
	_, err = c.ReadSlot(2)
	assert.Error(t, err)
}

func TestController_PingPong(t *testing.T) {
	c := newTestController(t)
	rec := &recorder{}

	mem := make([]byte, 2*1024)
	require.NoError(t, c.MapRegion(0x80000000, mem))

	ch, err := c.AllocChannel(20, rec.complete, "dev", hw.EventQueue0)
	require.NoError(t, err)
	ping, err := c.AllocSlot(hw.SlotAny)
	require.NoError(t, err)
	pong, err := c.AllocSlot(hw.SlotAny)
	require.NoError(t, err)

	pingSet := rxSet(ch, 0x80000000, 256, pong)
	pongSet := rxSet(ch, 0x80000400, 256, ping)
	require.NoError(t, c.WriteSlot(pong, pongSet))
	require.NoError(t, c.WriteSlot(ping, pingSet))
	require.NoError(t, c.WriteSlot(ch.Slot(), pingSet))

	assert.ErrorIs(t, c.Trigger(ch), ErrNotRunning)
	require.NoError(t, c.Start(ch))
	assert.Equal(t, []hw.Channel{ch}, c.Running())

	// Ping fills the first half with the FIFO pattern and pong is loaded.
	require.NoError(t, c.Trigger(ch))
	for i := 0; i < 1024; i++ {
		require.Equal(t, byte(i), mem[i], "ping byte %d", i)
	}
	assert.Equal(t, make([]byte, 1024), mem[1024:], "pong must be untouched")
	active, err := c.ReadSlot(ch.Slot())
	require.NoError(t, err)
	assert.Equal(t, pongSet, active)

	require.NoError(t, c.Trigger(ch))
	assert.Equal(t, byte(0), mem[1024], "the pattern wraps after 256 bytes")
	assert.Equal(t, byte(255), mem[2047])
	active, err = c.ReadSlot(ch.Slot())
	require.NoError(t, err)
	assert.Equal(t, pingSet, active, "back to ping")

	require.NoError(t, c.Trigger(ch))
	assert.Equal(t, []completion{
		{20, hw.StatusComplete, "dev"},
		{20, hw.StatusComplete, "dev"},
		{20, hw.StatusComplete, "dev"},
	}, rec.all())

	require.NoError(t, c.Stop(ch))
	assert.Empty(t, c.Running())
	assert.ErrorIs(t, c.Trigger(ch), ErrNotRunning)
}

func TestController_NullLink(t *testing.T) {
	c := newTestController(t)
	rec := &recorder{}
	require.NoError(t, c.MapRegion(0x80000000, make([]byte, 1024)))

	ch, err := c.AllocChannel(20, rec.complete, nil, hw.EventQueue0)
	require.NoError(t, err)
	require.NoError(t, c.WriteSlot(ch.Slot(), rxSet(ch, 0x80000000, 256, hw.NoSlot)))
	require.NoError(t, c.Start(ch))

	require.NoError(t, c.Trigger(ch))
	active, err := c.ReadSlot(ch.Slot())
	require.NoError(t, err)
	assert.True(t, active.IsNull(), "a null link leaves a null set behind")

	assert.ErrorIs(t, c.Trigger(ch), ErrNullParamSet)
	assert.Equal(t, []completion{
		{20, hw.StatusComplete, nil},
		{20, hw.StatusCCError, nil},
	}, rec.all())
}

func TestController_BusError(t *testing.T) {
	c := newTestController(t)
	rec := &recorder{}
	require.NoError(t, c.MapRegion(0x80000000, make([]byte, 510)))

	ch, err := c.AllocChannel(20, rec.complete, nil, hw.EventQueue0)
	require.NoError(t, err)
	// The 128th element straddles the end of the region.
	require.NoError(t, c.WriteSlot(ch.Slot(), rxSet(ch, 0x80000000, 256, hw.NoSlot)))
	require.NoError(t, c.Start(ch))

	assert.ErrorIs(t, c.Trigger(ch), ErrUnmapped)
	assert.Equal(t, []completion{{20, hw.StatusTC1Error, nil}}, rec.all())
}

func TestController_MemoryToDevice(t *testing.T) {
	fifo := &CounterFIFO{}
	c := newTestController(t, WithPeripheral(fifo))
	rec := &recorder{}
	require.NoError(t, c.MapRegion(0x80000000, make([]byte, 1024)))

	ch, err := c.AllocChannel(20, rec.complete, nil, hw.EventQueue0)
	require.NoError(t, err)
	p := hw.ParamSet{
		Opt:        hw.OptSyncDimAB | hw.OptTCC(ch) | hw.OptTCIntEn,
		Src:        0x80000000,
		Dst:        0x48030000,
		SrcDstBIdx: 4,
		CCnt:       1,
	}
	p.SetCounts(4, 256)
	p.SetLink(hw.NoSlot)
	require.NoError(t, c.WriteSlot(ch.Slot(), p))
	require.NoError(t, c.Start(ch))

	require.NoError(t, c.Trigger(ch))
	assert.Equal(t, 1024, fifo.Written())
}

func TestController_ASyncFrames(t *testing.T) {
	c := newTestController(t)
	rec := &recorder{}
	mem := make([]byte, 64)
	require.NoError(t, c.MapRegion(0x80000000, mem))

	ch, err := c.AllocChannel(20, rec.complete, nil, hw.EventQueue0)
	require.NoError(t, err)
	// Two frames of two 4 byte arrays, one array per event.
	p := hw.ParamSet{
		Opt:         hw.OptTCC(ch) | hw.OptTCIntEn | hw.OptITCIntEn,
		Src:         0x48030000,
		Dst:         0x80000000,
		SrcDstBIdx:  8 << 16,
		LinkBCntRld: 2 << 16,
		SrcDstCIdx:  4 << 16,
		CCnt:        2,
	}
	p.SetCounts(4, 2)
	p.SetLink(hw.NoSlot)
	require.NoError(t, c.WriteSlot(ch.Slot(), p))
	require.NoError(t, c.Start(ch))

	for range 4 {
		require.NoError(t, c.Trigger(ch))
	}
	assert.Equal(t, []byte{0, 1, 2, 3}, mem[0:4])
	assert.Equal(t, []byte{4, 5, 6, 7}, mem[8:12])
	assert.Equal(t, []byte{8, 9, 10, 11}, mem[12:16])
	assert.Equal(t, []byte{12, 13, 14, 15}, mem[20:24])
	assert.Len(t, rec.all(), 4, "intermediate and final completions")
}

func TestController_Regions(t *testing.T) {
	c := newTestController(t)

	require.NoError(t, c.MapRegion(0x80001000, make([]byte, 0x1000)))
	assert.ErrorContains(t, c.MapRegion(0x80001800, make([]byte, 0x1000)), "overlaps")
	assert.ErrorContains(t, c.MapRegion(0x80000000, nil), "empty")
	assert.ErrorContains(t, c.MapRegion(0xfffff000, make([]byte, 0x2000)), "wraps")
	require.NoError(t, c.MapRegion(0x80000000, make([]byte, 0x1000)))

	l := c.Layout()
	require.Len(t, l, 2)
	assert.Equal(t, uint32(0x80000000), l[0].DeviceAddress)

	assert.ErrorIs(t, c.UnmapRegion(0x80001800), ErrUnmapped)
	require.NoError(t, c.UnmapRegion(0x80001000))
	assert.Len(t, c.Layout(), 1)
}

func TestController_Run(t *testing.T) {
	c := newTestController(t)
	rec := &recorder{}
	require.NoError(t, c.MapRegion(0x80000000, make([]byte, 2048)))

	ch, err := c.AllocChannel(20, rec.complete, nil, hw.EventQueue0)
	require.NoError(t, err)
	ping, _ := c.AllocSlot(hw.SlotAny)
	pong, _ := c.AllocSlot(hw.SlotAny)
	require.NoError(t, c.WriteSlot(ping, rxSet(ch, 0x80000000, 256, pong)))
	require.NoError(t, c.WriteSlot(pong, rxSet(ch, 0x80000400, 256, ping)))
	require.NoError(t, c.WriteSlot(ch.Slot(), rxSet(ch, 0x80000000, 256, pong)))
	require.NoError(t, c.Start(ch))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool { return len(rec.all()) >= 4 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	for _, e := range rec.all() {
		assert.Equal(t, hw.StatusComplete, e.status)
	}
}
