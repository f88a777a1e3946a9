package edma

import (
	"errors"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/pool"
)

// Session is everything one attach acquired. Handles that were never acquired
// keep their zero or sentinel value, and teardown resets each handle once it
// has been given back, so every handle is released at most once.
type Session struct {
	pool *pool.Pool
	ping *pool.Block
	pong *pool.Block

	// mapper is set once the pool region was mapped into the controller.
	mapper     hw.RegionMapper
	regionAddr uint32

	channel  hw.Channel
	pingSlot hw.Slot
	pongSlot hw.Slot

	ring *Ring
}

func newSession() *Session {
	return &Session{
		channel:  hw.NoChannel,
		pingSlot: hw.NoSlot,
		pongSlot: hw.NoSlot,
	}
}

// Channel returns the channel of the session or [hw.NoChannel].
func (s *Session) Channel() hw.Channel {
	return s.channel
}

// Slots returns the ping and pong slot, [hw.NoSlot] for the ones not held.
func (s *Session) Slots() (ping, pong hw.Slot) {
	return s.pingSlot, s.pongSlot
}

// Blocks returns the ping and pong block, nil for the ones not held.
func (s *Session) Blocks() (ping, pong *pool.Block) {
	return s.ping, s.pong
}

// Ring returns the ring once it was built.
func (s *Session) Ring() *Ring {
	return s.ring
}

// empty reports whether nothing is held anymore.
func (s *Session) empty() bool {
	return s.pool == nil && s.ping == nil && s.pong == nil && s.mapper == nil &&
		s.channel == hw.NoChannel && s.pingSlot == hw.NoSlot && s.pongSlot == hw.NoSlot
}

// allocBlocks takes the ping and pong block from the session's pool. A block
// that was handed out is kept even when the other one failed, teardown gives
// it back.
func (s *Session) allocBlocks() error {
	ping, pingErr := s.pool.Alloc()
	if pingErr == nil {
		s.ping = ping
	}
	pong, pongErr := s.pool.Alloc()
	if pongErr == nil {
		s.pong = pong
	}
	return errors.Join(pingErr, pongErr)
}

func (s *Session) blocksHeld() int {
	n := 0
	if s.ping != nil {
		n++
	}
	if s.pong != nil {
		n++
	}
	return n
}
