// Package dispatch defines the small seam between the SQS poller and
// whatever dispatches each message to its handler (the plain Message
// Manager for standard queues, the FIFO Scheduler for .fifo queues).
// Keeping this seam in its own package lets the poller depend only on an
// interface, never on manager or fifo directly. The Lambda adapter does not
// use this seam; it calls manager.Manager.ProcessSync itself.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimbusq/subscriber/registry"
)

// Message is one unit of dispatchable work: a decoded envelope's payload
// bytes, its resolved handler mapping, and enough SQS bookkeeping (receipt
// handle, optional FIFO group id) to let the receiving side manage
// visibility and deletion.
type Message struct {
	Data          json.RawMessage
	Metadata      map[string]any
	Mapping       registry.Mapping
	ReceiptHandle string
	// GroupID is the SQS MessageGroupId attribute. Empty for standard
	// (non-FIFO) queues.
	GroupID string
}

// Dispatcher is implemented by *manager.Manager (standard queues) and
// *fifo.Scheduler (FIFO queues). A source gates on WaitForCapacity before
// calling Dispatch, exactly as spec §4.5 step 1 describes, and uses Capacity
// to size each receive request and to stop feeding a received batch once the
// ceiling is reached (spec §8: activeMessages(t) <= MaxNumberOfConcurrentMessages
// at every instant, never just on average across a batch).
type Dispatcher interface {
	WaitForCapacity(ctx context.Context, timeout time.Duration) bool
	// Capacity returns how many additional messages (standard queues) or
	// groups (FIFO) this Dispatcher could accept right now without
	// blocking. It never blocks and may return 0.
	Capacity() int
	Dispatch(ctx context.Context, msg Message)
}
