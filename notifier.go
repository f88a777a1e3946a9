package edma

import (
	"context"
	"fmt"

	"github.com/ntd-94/am335x-edma/hw"
	"github.com/rcrowley/go-metrics"
)

// DefaultQueueSize is the number of completion events buffered when the
// consumer falls behind.
const DefaultQueueSize = 64

// CompletionEvent is one completion reported by the controller.
type CompletionEvent struct {
	Link   int
	Status hw.Status
	// Device is the identity registered with the channel.
	Device any
}

// Err returns a wrapped [ErrTransferError] for error statuses and nil
// otherwise.
func (e CompletionEvent) Err() error {
	if e.Status == hw.StatusComplete {
		return nil
	}
	return fmt.Errorf("%w: link %d reported %s", ErrTransferError, e.Link, e.Status)
}

// Notifier is the boundary between the controller's event context and
// ordinary code. Complete is what gets registered with the controller: it
// counts the event, queues it without blocking and returns. Events that do not
// fit the queue are dropped and counted. Run hands queued events to a
// consumer.
type Notifier struct {
	events chan CompletionEvent

	ok      metrics.Counter
	failed  metrics.Counter
	dropped metrics.Counter
}

// NewNotifier returns a notifier queueing up to size events. A size below one
// means [DefaultQueueSize].
func NewNotifier(size int) *Notifier {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Notifier{
		events:  make(chan CompletionEvent, size),
		ok:      metrics.GetOrRegisterCounter("edma.completions.ok", nil),
		failed:  metrics.GetOrRegisterCounter("edma.completions.error", nil),
		dropped: metrics.GetOrRegisterCounter("edma.completions.dropped", nil),
	}
}

// Complete implements [hw.CompletionFunc].
func (n *Notifier) Complete(link int, status hw.Status, data any) {
	if status == hw.StatusComplete {
		n.ok.Inc(1)
	} else {
		n.failed.Inc(1)
	}

	select {
	case n.events <- CompletionEvent{Link: link, Status: status, Device: data}:
	default:
		n.dropped.Inc(1)
	}
}

// Events exposes the queue for consumers that want to select on it.
func (n *Notifier) Events() <-chan CompletionEvent {
	return n.events
}

// Dropped returns how many events did not fit the queue so far.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Count()
}

// Run calls handle for every queued event until ctx is done.
func (n *Notifier) Run(ctx context.Context, handle func(CompletionEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			handle(ev)
		}
	}
}
