// Package fifo implements the FIFO Scheduler (spec §4.6): activated in place
// of direct dispatch to a Message Manager whenever a queue URL ends in
// ".fifo". It serializes messages sharing a message-group-id in receive
// order, runs different groups concurrently, and halts a group on the first
// handler failure so the remaining messages redeliver in order.
package fifo

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nimbusq/subscriber/dispatch"
	"github.com/nimbusq/subscriber/manager"
	"github.com/nimbusq/subscriber/registry"
)

// ErrMissingGroupID is the internal invariant violation spec §4.6 names: a
// message arrived on a FIFO queue without a message-group-id attribute.
var ErrMissingGroupID = fmt.Errorf("fifo: message missing message-group-id")

// Config holds the FIFO-specific concurrency setting. Unlike the plain
// Manager, the ceiling here counts groups, not individual messages — a slow
// group blocks only its own sequence, never other groups, until the group
// ceiling itself is saturated.
type Config struct {
	MaxConcurrentGroups int
}

// Validate enforces MaxConcurrentGroups >= 1.
func (c Config) Validate() error {
	if c.MaxConcurrentGroups < 1 {
		return fmt.Errorf("fifo: MaxConcurrentGroups must be >= 1, got %d", c.MaxConcurrentGroups)
	}
	return nil
}

// Scheduler groups dispatched messages by GroupID and runs each group's
// sub-list as a single serialized unit of work, delegating the actual
// handler invocation, visibility heartbeat, and delete batching to an
// underlying Manager. It implements dispatch.Dispatcher so the Poller and
// Lambda adapter can feed it exactly as they would a plain Manager.
type Scheduler struct {
	mgr    *manager.Manager
	cfg    Config
	logger *log.Logger

	mu           sync.Mutex
	queues       map[string][]dispatch.Message
	processing   map[string]bool
	activeGroups int
	freed        chan struct{}
}

// New constructs a Scheduler on top of mgr, which supplies record tracking,
// heartbeat extension, and delete batching. mgr's own MaxConcurrentMessages
// is not consulted for gating here — group serialization already bounds how
// many messages from the same group run at once (one), and the Scheduler
// enforces its own group-count ceiling independently.
func New(mgr *manager.Manager, cfg Config, logger *log.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		mgr:        mgr,
		cfg:        cfg,
		logger:     logger,
		queues:     make(map[string][]dispatch.Message),
		processing: make(map[string]bool),
		freed:      make(chan struct{}, 1),
	}, nil
}

// Context returns the underlying Manager's shutdown-aware context.
func (s *Scheduler) Context() context.Context { return s.mgr.Context() }

// ActiveGroups returns the number of groups currently being drained.
func (s *Scheduler) ActiveGroups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGroups
}

// WaitForCapacity blocks until fewer than MaxConcurrentGroups groups are
// active, ctx is done, or timeout elapses — mirroring Manager's own
// capacity-wait contract but counting groups instead of messages.
func (s *Scheduler) WaitForCapacity(ctx context.Context, timeout time.Duration) bool {
	if s.hasCapacity() {
		return true
	}

	fallback := timeout
	if fallback <= 0 {
		fallback = 50 * time.Millisecond
	}
	timer := time.NewTimer(fallback)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.freed:
		return s.hasCapacity()
	case <-timer.C:
		return s.hasCapacity()
	}
}

func (s *Scheduler) hasCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGroups < s.cfg.MaxConcurrentGroups
}

// Capacity returns how many additional groups this Scheduler could start
// right now without exceeding MaxConcurrentGroups. It never blocks. A slow
// group only consumes one unit of this ceiling regardless of how many
// messages are still queued behind it.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg.MaxConcurrentGroups - s.activeGroups
	if c < 0 {
		return 0
	}
	return c
}

// Dispatch enqueues msg onto its group's sub-list. If the group has no
// runner already draining it, Dispatch starts one and counts the group
// against the concurrency ceiling. A message with no GroupID violates the
// FIFO-queue invariant (spec §4.6) and is logged and dropped rather than
// processed out of order.
func (s *Scheduler) Dispatch(ctx context.Context, msg dispatch.Message) {
	if msg.GroupID == "" {
		s.logger.Printf("ERROR: %v (receipt %s)", ErrMissingGroupID, msg.ReceiptHandle)
		return
	}

	s.mu.Lock()
	s.queues[msg.GroupID] = append(s.queues[msg.GroupID], msg)
	start := !s.processing[msg.GroupID]
	if start {
		s.processing[msg.GroupID] = true
		s.activeGroups++
	}
	s.mu.Unlock()

	if start {
		go s.runGroup(ctx, msg.GroupID)
	}
}

// runGroup drains one group's queue strictly in order, stopping at the
// first Failed result. Messages enqueued for the group after it halts (a new
// poll cycle) start a fresh runner once this one exits.
func (s *Scheduler) runGroup(ctx context.Context, groupID string) {
	for {
		s.mu.Lock()
		queue := s.queues[groupID]
		if len(queue) == 0 {
			s.retireGroup(groupID)
			return
		}
		next := queue[0]
		s.queues[groupID] = queue[1:]
		s.mu.Unlock()

		result := s.mgr.ProcessSync(ctx, next.Data, next.Metadata, next.Mapping, next.ReceiptHandle)
		if result.Status != registry.Success {
			s.logger.Printf("WARN: fifo group %s halted after failed message (receipt %s)", groupID, next.ReceiptHandle)
			s.abandonGroup(groupID)
			return
		}
	}
}

// retireGroup marks groupID idle once its queue has drained cleanly. Caller
// must hold s.mu; it is released before returning.
func (s *Scheduler) retireGroup(groupID string) {
	delete(s.queues, groupID)
	s.processing[groupID] = false
	s.activeGroups--
	s.mu.Unlock()
	s.signalFreed()
}

// abandonGroup drops any messages still queued for groupID after a failure,
// leaving their visibility to expire so SQS redelivers the whole remaining
// sequence in order on the next poll cycle.
func (s *Scheduler) abandonGroup(groupID string) {
	s.mu.Lock()
	dropped := len(s.queues[groupID])
	delete(s.queues, groupID)
	s.processing[groupID] = false
	s.activeGroups--
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Printf("WARN: abandoning %d remaining message(s) in fifo group %s for redelivery", dropped, groupID)
	}
	s.signalFreed()
}

func (s *Scheduler) signalFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

// Shutdown delegates to the underlying Manager's Shutdown, which cancels the
// shared context and drains its heartbeat/delete-flusher goroutines. Group
// runners observe the canceled context inside their next ProcessSync call.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mgr.Shutdown(grace)
}
