package edma

import (
	"errors"
	"fmt"

	"github.com/ntd-94/am335x-edma/hw"
)

var (
	// ErrChannelUnavailable is returned when the requested channel is already
	// owned or the controller refuses to hand it out.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrSlotExhausted is returned when a channel already holds its two slots
	// or the device wide slot ceiling is reached.
	ErrSlotExhausted = errors.New("slot exhausted")

	// ErrInvalidShape is returned when a transfer shape does not fit the
	// hardware limits or the blocks it is built over.
	ErrInvalidShape = errors.New("invalid transfer shape")

	// ErrBrokenRing is returned when the param-sets read back from the
	// controller do not form a ping/pong cycle.
	ErrBrokenRing = errors.New("param-sets do not form a ring")

	// ErrTransferError marks a completion event carrying an error status.
	ErrTransferError = errors.New("transfer error")

	// errEngineBusy is returned by teardown when the channel could not be
	// stopped. Nothing the engine might still reference has been released.
	errEngineBusy = errors.New("channel did not stop, resources kept")
)

// LifecycleViolation is what releases panic with when they are asked to give
// back a handle that was never acquired or is still referenced by an armed or
// running channel. It unwraps to [hw.ErrLifecycleViolation].
type LifecycleViolation struct {
	Op     string
	Handle string
	Err    error
}

func (v *LifecycleViolation) Error() string {
	return fmt.Sprintf("%s %s: %v", v.Op, v.Handle, v.Err)
}

func (v *LifecycleViolation) Unwrap() error {
	return v.Err
}

func violate(op string, handle any, format string, args ...any) {
	panic(&LifecycleViolation{
		Op:     op,
		Handle: fmt.Sprint(handle),
		Err:    fmt.Errorf("%w: %s", hw.ErrLifecycleViolation, fmt.Sprintf(format, args...)),
	})
}

// escalate turns an ownership error reported by the pool into a panic.
func escalate(op string, handle any, err error) error {
	if errors.Is(err, hw.ErrLifecycleViolation) {
		panic(&LifecycleViolation{Op: op, Handle: fmt.Sprint(handle), Err: err})
	}
	return err
}
