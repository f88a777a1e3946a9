package edma

import (
	"testing"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/hw/hwtest"
	"github.com/ntd-94/am335x-edma/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heapBacking serves pool regions from the Go heap at a fixed device address.
type heapBacking struct {
	base uint64
}

func (h heapBacking) Reserve(size int) ([]byte, uint64, error) {
	return make([]byte, size), h.base, nil
}

func (heapBacking) Release([]byte) error {
	return nil
}

func testShape() TransferShape {
	return TransferShape{ElementSize: 4, Count: 256, Stride: 4, Direction: DeviceToMemory, Peripheral: 0x48030000}
}

func newTestBlocks(t *testing.T) (*pool.Block, *pool.Block) {
	t.Helper()
	p, err := pool.New("ring test", 4096, 16, pool.WithBacking(heapBacking{base: 0x80000000}))
	require.NoError(t, err)
	ping, err := p.Alloc()
	require.NoError(t, err)
	pong, err := p.Alloc()
	require.NoError(t, err)
	return ping, pong
}

func buildTestRing(t *testing.T, ctrl hw.Controller, ch hw.Channel, pingSlot, pongSlot hw.Slot) *Ring {
	t.Helper()
	ping, pong := newTestBlocks(t)
	r, err := BuildRing(ctrl, ch, ping, pong, pingSlot, pongSlot, testShape())
	require.NoError(t, err)
	return r
}

func TestTransferShape_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*TransferShape)
		blockSize   int
		containsErr string
	}{
		{name: "default", mutate: func(*TransferShape) {}, blockSize: 4096},
		{name: "fills block", mutate: func(s *TransferShape) { s.Count = 1024 }, blockSize: 4096},
		{name: "fifo on both sides", mutate: func(s *TransferShape) { s.Stride = 0 }, blockSize: 4},
		{name: "zero element size", mutate: func(s *TransferShape) { s.ElementSize = 0 }, blockSize: 4096, containsErr: "element size"},
		{name: "element size too big", mutate: func(s *TransferShape) { s.ElementSize = 1 << 16; s.Count = 1 }, blockSize: 1 << 20, containsErr: "element size"},
		{name: "zero count", mutate: func(s *TransferShape) { s.Count = 0 }, blockSize: 4096, containsErr: "count"},
		{name: "count too big", mutate: func(s *TransferShape) { s.Count = 1 << 16 }, blockSize: 1 << 20, containsErr: "count"},
		{name: "negative stride", mutate: func(s *TransferShape) { s.Stride = -4 }, blockSize: 4096, containsErr: "stride"},
		{name: "stride too big", mutate: func(s *TransferShape) { s.Stride = 1 << 15; s.Count = 1 }, blockSize: 1 << 20, containsErr: "stride"},
		{name: "overlapping elements", mutate: func(s *TransferShape) { s.Stride = 2 }, blockSize: 4096, containsErr: "overlaps"},
		{name: "beyond block", mutate: func(s *TransferShape) { s.Count = 1025 }, blockSize: 4096, containsErr: "spans 4100 bytes"},
		{name: "beyond frame size", mutate: func(s *TransferShape) { s.ElementSize = 64; s.Stride = 64; s.Count = 1025 }, blockSize: 1 << 20, containsErr: "exceeds"},
		{name: "unknown direction", mutate: func(s *TransferShape) { s.Direction = 7 }, blockSize: 4096, containsErr: "direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testShape()
			tt.mutate(&s)
			err := s.Validate(tt.blockSize)
			if tt.containsErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidShape)
			assert.ErrorContains(t, err, tt.containsErr)
		})
	}
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("RX")
	require.NoError(t, err)
	assert.Equal(t, DeviceToMemory, d)

	d, err = ParseDirection("tx")
	require.NoError(t, err)
	assert.Equal(t, MemoryToDevice, d)
	assert.Equal(t, "tx", d.String())

	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestBuildRing_Linkage(t *testing.T) {
	ctrl := hwtest.New()
	pingSlot, err := ctrl.AllocSlot(hw.SlotAny)
	require.NoError(t, err)
	pongSlot, err := ctrl.AllocSlot(hw.SlotAny)
	require.NoError(t, err)

	ping, pong := newTestBlocks(t)
	r, err := BuildRing(ctrl, 20, ping, pong, pingSlot, pongSlot, testShape())
	require.NoError(t, err)

	// Decode what reached the slots, not what the ring remembers.
	pingBuf := make([]byte, hw.ParamSetSize)
	pongBuf := make([]byte, hw.ParamSetSize)
	written, ok := ctrl.Param(pingSlot)
	require.True(t, ok)
	require.NoError(t, written.Encode(pingBuf))
	written, ok = ctrl.Param(pongSlot)
	require.True(t, ok)
	require.NoError(t, written.Encode(pongBuf))

	var pingSet, pongSet hw.ParamSet
	require.NoError(t, pingSet.Decode(pingBuf))
	require.NoError(t, pongSet.Decode(pongBuf))

	assert.Equal(t, pongSlot, pingSet.Link(), "ping must link to pong")
	assert.Equal(t, pingSlot, pongSet.Link(), "pong must link to ping")
	assert.NoError(t, r.Verify(ctrl))

	for name, p := range map[string]hw.ParamSet{"ping": pingSet, "pong": pongSet} {
		assert.Equal(t, 4, p.ACnt(), name)
		assert.Equal(t, 256, p.BCnt(), name)
		assert.Equal(t, 256, p.BCntRld(), name)
		assert.Equal(t, 0, p.SrcBIdx(), name)
		assert.Equal(t, 4, p.DstBIdx(), name)
		assert.Equal(t, hw.Channel(20), p.TCC(), name)
		assert.NotZero(t, p.Opt&hw.OptTCIntEn, name)
		assert.NotZero(t, p.Opt&hw.OptSyncDimAB, name)
		assert.Equal(t, uint32(0x48030000), p.Src, name)
		assert.Equal(t, uint32(1), p.CCnt, name)
	}
	assert.Equal(t, ping.DeviceAddr(), pingSet.Dst)
	assert.Equal(t, pong.DeviceAddr(), pongSet.Dst)

	// Pong is written before ping.
	writes := ctrl.Ops(hwtest.OpWriteSlot)
	require.Len(t, writes, 2)
	assert.Equal(t, pongSlot, writes[0].Slot)
	assert.Equal(t, pingSlot, writes[1].Slot)

	h, ok := r.Half(pongSet)
	require.True(t, ok)
	assert.Same(t, &r.Pong, h)
}

func TestBuildRing_MemoryToDevice(t *testing.T) {
	ctrl := hwtest.New()
	pingSlot, _ := ctrl.AllocSlot(hw.SlotAny)
	pongSlot, _ := ctrl.AllocSlot(hw.SlotAny)
	ping, pong := newTestBlocks(t)

	shape := testShape()
	shape.Direction = MemoryToDevice
	r, err := BuildRing(ctrl, 20, ping, pong, pingSlot, pongSlot, shape)
	require.NoError(t, err)

	assert.Equal(t, ping.DeviceAddr(), r.Ping.Params.Src)
	assert.Equal(t, uint32(0x48030000), r.Ping.Params.Dst)
	assert.Equal(t, 4, r.Ping.Params.SrcBIdx())
	assert.Equal(t, 0, r.Ping.Params.DstBIdx())
}

func TestBuildRing_Failures(t *testing.T) {
	ping, pong := newTestBlocks(t)

	t.Run("invalid shape writes nothing", func(t *testing.T) {
		ctrl := hwtest.New()
		shape := testShape()
		shape.Count = 2048
		_, err := BuildRing(ctrl, 20, ping, pong, 64, 65, shape)
		assert.ErrorIs(t, err, ErrInvalidShape)
		assert.Empty(t, ctrl.Calls())
	})

	t.Run("bad handles", func(t *testing.T) {
		ctrl := hwtest.New()
		_, err := BuildRing(ctrl, 20, nil, pong, 64, 65, testShape())
		assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
		_, err = BuildRing(ctrl, 20, ping, ping, 64, 65, testShape())
		assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
		_, err = BuildRing(ctrl, 20, ping, pong, hw.NoSlot, 65, testShape())
		assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
		_, err = BuildRing(ctrl, 20, ping, pong, 64, 64, testShape())
		assert.ErrorIs(t, err, hw.ErrLifecycleViolation)
		assert.Empty(t, ctrl.Calls())
	})

	t.Run("pong write fails", func(t *testing.T) {
		ctrl := hwtest.New()
		pingSlot, _ := ctrl.AllocSlot(hw.SlotAny)
		pongSlot, _ := ctrl.AllocSlot(hw.SlotAny)
		ctrl.Fail(hwtest.OpWriteSlot, 1, hwtest.ErrInjected)

		r, err := BuildRing(ctrl, 20, ping, pong, pingSlot, pongSlot, testShape())
		assert.ErrorIs(t, err, hwtest.ErrInjected)
		assert.Nil(t, r)
		_, written := ctrl.Param(pingSlot)
		assert.False(t, written, "ping must not be written when pong failed")
	})

	t.Run("ping write fails", func(t *testing.T) {
		ctrl := hwtest.New()
		pingSlot, _ := ctrl.AllocSlot(hw.SlotAny)
		pongSlot, _ := ctrl.AllocSlot(hw.SlotAny)
		ctrl.Fail(hwtest.OpWriteSlot, 2, hwtest.ErrInjected)

		r, err := BuildRing(ctrl, 20, ping, pong, pingSlot, pongSlot, testShape())
		assert.ErrorIs(t, err, hwtest.ErrInjected)
		assert.ErrorContains(t, err, "write ping")
		assert.Nil(t, r, "a half written ring is never handed out")
	})
}

func TestRing_VerifyDetectsBrokenLink(t *testing.T) {
	ctrl := hwtest.New()
	pingSlot, _ := ctrl.AllocSlot(hw.SlotAny)
	pongSlot, _ := ctrl.AllocSlot(hw.SlotAny)
	r := buildTestRing(t, ctrl, 20, pingSlot, pongSlot)

	broken := r.Pong.Params
	broken.SetLink(hw.NoSlot)
	require.NoError(t, ctrl.WriteSlot(pongSlot, broken))

	err := r.Verify(ctrl)
	assert.ErrorIs(t, err, ErrBrokenRing)
	assert.ErrorContains(t, err, "links to none")
}
