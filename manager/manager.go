// Package manager implements the Message Manager (spec §4.4): the per-poller
// container of in-flight messages. It dispatches each received envelope to
// its registered handler, extends SQS visibility for messages still running
// when they approach expiry, and best-effort batches successful deletes.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimbusq/subscriber/dispatch"
	"github.com/nimbusq/subscriber/registry"
)

// batchLimit is the SQS-enforced maximum entries per ChangeMessageVisibility
// or DeleteMessage batch call.
const batchLimit = 10

// Config holds the per-queue settings a Manager needs. See spec §6 for the
// external configuration surface these map onto.
type Config struct {
	// MaxConcurrentMessages bounds ActiveCount; must be >= 1.
	MaxConcurrentMessages int
	// VisibilityTimeout is the SQS visibility window applied on receive and
	// reapplied verbatim on every heartbeat extension.
	VisibilityTimeout time.Duration
	// ExtensionThreshold is how close to expiry a record must be before the
	// heartbeat extends it.
	ExtensionThreshold time.Duration
	// HeartbeatInterval is how often the extension tick runs. A value <= 0
	// disables the heartbeat goroutine entirely (spec §9 open question 2).
	HeartbeatInterval time.Duration
	// ResetVisibilityOnFailure implements spec §9 open question 1; the
	// spec's chosen default is false (let visibility expire).
	ResetVisibilityOnFailure bool
}

// Validate enforces the configuration-time invariants from spec §3/§8:
// MaxConcurrentMessages >= 1 and VisibilityTimeout > 0 (VisibilityTimeout==0
// is explicitly rejected).
func (c Config) Validate() error {
	if c.MaxConcurrentMessages < 1 {
		return fmt.Errorf("manager: MaxConcurrentMessages must be >= 1, got %d", c.MaxConcurrentMessages)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("manager: VisibilityTimeout must be > 0")
	}
	return nil
}

type record struct {
	receiptHandle string
	expiresAt     time.Time
}

// Manager owns the in-flight message set for one poller. It is safe for
// concurrent use; the record set is guarded by a single short-critical-
// section mutex as described in spec §5 "Shared state".
type Manager struct {
	client   SQSMutator
	queueURL string
	cfg      Config
	logger   *log.Logger

	rootCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	records map[string]*record // keyed by receipt handle
	active  int

	freed chan struct{}

	deleteMu    sync.Mutex
	pendingDels []string

	wg                sync.WaitGroup
	heartbeatDone     chan struct{}
	deleteFlusherDone chan struct{}
}

// New constructs a Manager bound to one SQS queue. ctx is the framework's
// shutdown-aware root context: canceling it signals every running handler
// and stops the heartbeat loop. New starts the heartbeat goroutine
// immediately if cfg.HeartbeatInterval > 0.
func New(ctx context.Context, client SQSMutator, queueURL string, cfg Config, logger *log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	rootCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		client:   client,
		queueURL: queueURL,
		cfg:      cfg,
		logger:   logger,
		rootCtx:  rootCtx,
		cancel:   cancel,
		records:  make(map[string]*record),
		freed:    make(chan struct{}, 1),
	}

	if cfg.HeartbeatInterval > 0 {
		m.heartbeatDone = make(chan struct{})
		go m.runHeartbeat()
	}

	m.deleteFlusherDone = make(chan struct{})
	go m.runDeleteFlusher()

	return m, nil
}

// deleteFlushInterval bounds how long a successfully processed message can
// sit in the pending-delete buffer before it is flushed, independent of
// whether the buffer has reached batchLimit.
const deleteFlushInterval = 200 * time.Millisecond

// Context returns the Manager's shutdown-aware context. Callers (the poller,
// the FIFO scheduler) derive per-message contexts from it so cancellation
// propagates to running handlers.
func (m *Manager) Context() context.Context { return m.rootCtx }

// MaxConcurrency returns the configured concurrency ceiling.
func (m *Manager) MaxConcurrency() int { return m.cfg.MaxConcurrentMessages }

// ActiveCount returns the number of messages currently being processed.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Capacity returns how many additional messages this Manager could accept
// right now without exceeding MaxConcurrentMessages. Unlike WaitForCapacity
// it never blocks; callers (the Poller) use it to size a receive request and
// to stop feeding an already-received batch once the ceiling is reached.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cfg.MaxConcurrentMessages - m.active
	if c < 0 {
		return 0
	}
	return c
}

// WaitForCapacity blocks until ActiveCount < MaxConcurrentMessages, ctx is
// done, or timeout elapses, whichever comes first. It returns true if
// capacity is available, false on timeout/cancellation.
func (m *Manager) WaitForCapacity(ctx context.Context, timeout time.Duration) bool {
	if m.ActiveCount() < m.cfg.MaxConcurrentMessages {
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
	case <-m.freed:
		return m.ActiveCount() < m.cfg.MaxConcurrentMessages
	case <-timer.C:
		return m.ActiveCount() < m.cfg.MaxConcurrentMessages
	}
}

// StartProcess spawns the handler for one received message and records it as
// in-flight. Callers must not invoke StartProcess when ActiveCount has
// already reached MaxConcurrentMessages (spec §4.4) — it is the poller's and
// FIFO scheduler's job to gate via WaitForCapacity first.
func (m *Manager) StartProcess(ctx context.Context, data json.RawMessage, metadata map[string]any, mapping registry.Mapping, receiptHandle string) {
	m.mu.Lock()
	m.active++
	m.records[receiptHandle] = &record{
		receiptHandle: receiptHandle,
		expiresAt:     time.Now().Add(m.cfg.VisibilityTimeout),
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.process(ctx, data, metadata, mapping, receiptHandle)
	}()
}

// ProcessSync runs a message's handler synchronously and returns its
// outcome, applying the same record-tracking, delete-batching, and
// failure-visibility bookkeeping as StartProcess. The FIFO scheduler (C6)
// uses this instead of StartProcess because it must know a message's result
// before deciding whether to continue its group's sequence.
func (m *Manager) ProcessSync(ctx context.Context, data json.RawMessage, metadata map[string]any, mapping registry.Mapping, receiptHandle string) registry.Result {
	m.mu.Lock()
	m.active++
	m.records[receiptHandle] = &record{
		receiptHandle: receiptHandle,
		expiresAt:     time.Now().Add(m.cfg.VisibilityTimeout),
	}
	m.mu.Unlock()

	return m.process(ctx, data, metadata, mapping, receiptHandle)
}

// process invokes mapping.Handle, applies the per-outcome bookkeeping shared
// by StartProcess and ProcessSync, and releases the record's capacity slot.
func (m *Manager) process(ctx context.Context, data json.RawMessage, metadata map[string]any, mapping registry.Mapping, receiptHandle string) registry.Result {
	defer m.finish(receiptHandle)

	result := m.invoke(ctx, mapping, data, metadata)

	switch result.Status {
	case registry.Success:
		m.enqueueDelete(receiptHandle)
	case registry.Failed:
		if result.Err != nil {
			m.logger.Printf("WARN: handler failed for receipt %s: %v", shortHandle(receiptHandle), result.Err)
		} else {
			m.logger.Printf("WARN: handler failed for receipt %s", shortHandle(receiptHandle))
		}
		if m.cfg.ResetVisibilityOnFailure {
			m.expireNow(receiptHandle)
		}
	}
	return result
}

// Dispatch adapts StartProcess to the dispatch.Dispatcher interface so a
// Manager can be fed directly by the Poller without that package depending
// on this one's concrete type.
func (m *Manager) Dispatch(ctx context.Context, msg dispatch.Message) {
	m.StartProcess(ctx, msg.Data, msg.Metadata, msg.Mapping, msg.ReceiptHandle)
}

// invoke calls the handler, normalizing a panic into a Failed result per
// spec §7 "HandlerThrew".
func (m *Manager) invoke(ctx context.Context, mapping registry.Mapping, data json.RawMessage, metadata map[string]any) (result registry.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Printf("ERROR: handler panicked: %v", rec)
			result = registry.Fail(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return mapping.Handle(ctx, data, metadata)
}

func (m *Manager) finish(receiptHandle string) {
	m.mu.Lock()
	delete(m.records, receiptHandle)
	m.active--
	m.mu.Unlock()

	select {
	case m.freed <- struct{}{}:
	default:
	}
}

// expireNow forces an expired visibility via a zero-second extension so SQS
// redelivers immediately. Only used when ResetVisibilityOnFailure is set;
// the default leaves visibility to expire naturally.
func (m *Manager) expireNow(receiptHandle string) {
	_, err := m.client.ChangeMessageVisibilityBatch(m.rootCtx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(m.queueURL),
		Entries: []types.ChangeMessageVisibilityBatchRequestEntry{
			{Id: aws.String("0"), ReceiptHandle: aws.String(receiptHandle), VisibilityTimeout: 0},
		},
	})
	if err != nil {
		m.logger.Printf("WARN: failed to force-expire visibility: %v", err)
	}
}

// Shutdown stops the heartbeat loop, cancels the root context (propagating
// cancellation to every running handler), waits up to grace for handlers to
// finish, and flushes any buffered deletes. Handlers that do not finish
// within grace are abandoned; SQS will redeliver once visibility expires.
func (m *Manager) Shutdown(grace time.Duration) {
	m.cancel()
	if m.heartbeatDone != nil {
		<-m.heartbeatDone
	}
	<-m.deleteFlusherDone

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Printf("WARN: shutdown grace period elapsed with handlers still in flight")
	}

	m.flushDeletes(context.Background())
}

func shortHandle(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "…"
}
