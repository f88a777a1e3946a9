package hwsim

import (
	"errors"
	"fmt"
)

type optionValues struct {
	channels   int
	slots      int
	peripheral Peripheral
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.channels < 1 || o.channels > 64 {
		return fmt.Errorf("channel count %d is not within 1..64", o.channels)
	}
	if o.slots <= o.channels {
		return errors.New("there must be more PaRAM entries than channels")
	}
	// Link fields address the PaRAM with 16 bits from offset 0x4000.
	if o.slots > 512 {
		return fmt.Errorf("PaRAM entry count %d exceeds 512", o.slots)
	}
	return nil
}

var optionDefaults = optionValues{
	channels: 64,
	slots:    256,
}

// Option can be passed to [New] to influence the simulated controller.
type Option func(*optionValues)

// WithLayout returns an [Option] that sets the number of channels and PaRAM
// entries. Entries beyond the channels are link slots.
func WithLayout(channels, slots int) Option {
	return func(o *optionValues) {
		o.channels = channels
		o.slots = slots
	}
}

// WithPeripheral returns an [Option] that sets what unmapped device addresses
// are backed by. Defaults to a [CounterFIFO].
func WithPeripheral(p Peripheral) Option {
	return func(o *optionValues) { o.peripheral = p }
}
