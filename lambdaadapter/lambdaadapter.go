// Package lambdaadapter implements the Lambda Batch Adapter (spec §4.7): it
// dispatches a batch of SQS records delivered by the Lambda event source
// mapping through a Message Manager configured with its heartbeat disabled
// (Lambda itself controls the underlying visibility), then reports the
// batch's outcome back to Lambda as a partial-batch-failure response.
package lambdaadapter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/nimbusq/subscriber/envelope"
	"github.com/nimbusq/subscriber/manager"
	"github.com/nimbusq/subscriber/registry"
)

// ErrPartialBatchDisabled is returned by Handle when UseBatchResponse is
// false and at least one message in the batch failed — Lambda must then mark
// the whole invocation failed so it redelivers the entire batch.
var ErrPartialBatchDisabled = fmt.Errorf("lambdaadapter: batch failed and partial-batch response is disabled")

// VisibilityChanger lets the caller force a fixed visibility timeout on
// failed items via bulk change-visibility, so redelivery does not wait out
// the queue's configured long timeout (spec §4.7, optional override).
type VisibilityChanger interface {
	ChangeVisibility(ctx context.Context, receiptHandles []string, timeout time.Duration) error
}

// Config holds the adapter's per-invocation settings (spec §4.7).
type Config struct {
	// FIFO enables message-group-serial processing identical to the FIFO
	// Scheduler (C6): groups run concurrently, each group strictly in
	// order, halting on its first failure.
	FIFO bool
	// UseBatchResponse enables partial-batch-failure reporting. When false,
	// any failure raises so Lambda retries the entire batch.
	UseBatchResponse bool
	// VisibilityTimeoutForBatchFailures, if > 0, is applied to failed items
	// once the batch finishes, overriding the queue's configured
	// visibility timeout for just those items.
	VisibilityTimeoutForBatchFailures time.Duration
}

// Adapter dispatches one Lambda-delivered SQS event batch. The underlying
// Manager must be constructed with HeartbeatInterval <= 0 — Lambda, not this
// framework, owns visibility extension for the duration of the invocation.
type Adapter struct {
	codec      *envelope.Codec
	registry   *registry.Registry
	mgr        *manager.Manager
	visibility VisibilityChanger
	cfg        Config
	logger     *log.Logger
}

// New constructs an Adapter. visibility may be nil if
// Config.VisibilityTimeoutForBatchFailures is left at zero.
func New(codec *envelope.Codec, reg *registry.Registry, mgr *manager.Manager, visibility VisibilityChanger, cfg Config, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		codec:      codec,
		registry:   reg,
		mgr:        mgr,
		visibility: visibility,
		cfg:        cfg,
		logger:     logger,
	}
}

// resolved is one record decoded and resolved to a handler mapping, or
// already marked failed (malformed envelope / unknown type) before a
// handler ever runs.
type resolved struct {
	record   events.SQSMessage
	mapping  registry.Mapping
	metadata map[string]any
	groupID  string
	failed   bool
}

// Handle processes one Lambda-delivered SQS event (spec §4.7). With
// UseBatchResponse enabled, failures are reported as BatchItemFailures so
// Lambda only redelivers the failed subset; with it disabled, any failure
// returns ErrPartialBatchDisabled so Lambda marks the whole invocation
// failed.
func (a *Adapter) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	a.logger.Printf("INFO: lambda adapter processing %d record(s)", len(event.Records))

	resolvedRecords := make([]resolved, len(event.Records))
	for i, record := range event.Records {
		resolvedRecords[i] = a.resolve(record)
	}

	var failedMu sync.Mutex
	var failures []events.SQSBatchItemFailure
	var failedHandles []string
	markFailed := func(r events.SQSMessage) {
		failedMu.Lock()
		defer failedMu.Unlock()
		failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: r.MessageId})
		failedHandles = append(failedHandles, r.ReceiptHandle)
	}

	if a.cfg.FIFO {
		a.runGrouped(ctx, resolvedRecords, markFailed)
	} else {
		a.runFlat(ctx, resolvedRecords, markFailed)
	}

	if len(failedHandles) > 0 && a.cfg.VisibilityTimeoutForBatchFailures > 0 && a.visibility != nil {
		if err := a.visibility.ChangeVisibility(ctx, failedHandles, a.cfg.VisibilityTimeoutForBatchFailures); err != nil {
			a.logger.Printf("WARN: failed to override visibility for batch failures: %v", err)
		}
	}

	if len(failures) > 0 && !a.cfg.UseBatchResponse {
		return events.SQSEventResponse{}, fmt.Errorf("%w: %d of %d records failed", ErrPartialBatchDisabled, len(failures), len(event.Records))
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// resolve decodes one record and looks up its handler without invoking it. A
// malformed envelope or unknown message type is recorded as an immediate
// failure, same as the standing poller's redeliver-until-DLQ contract
// extended to Lambda's batch-item-failure reporting.
func (a *Adapter) resolve(record events.SQSMessage) resolved {
	decoded, err := a.codec.Decode([]byte(record.Body))
	if err != nil {
		a.logger.Printf("WARN: %v; message %s marked failed", err, record.MessageId)
		return resolved{record: record, failed: true}
	}

	mapping, ok := a.registry.Lookup(decoded.Envelope.Type)
	if !ok {
		a.logger.Printf("WARN: %v: %q; message %s marked failed", envelope.ErrUnknownMessageType, decoded.Envelope.Type, record.MessageId)
		return resolved{record: record, failed: true}
	}

	r := resolved{
		record:   record,
		mapping:  mapping,
		metadata: mergeMessageAttributes(decoded.Envelope.Metadata, record.MessageAttributes),
		groupID:  record.Attributes["MessageGroupId"],
	}
	r.record.Body = string(decoded.Envelope.Data)
	return r
}

// mergeMessageAttributes folds SQS message attributes into the envelope's
// own metadata map so they are surfaced to the handler alongside trace
// context (spec §6: "all message attributes are surfaced as metadata on the
// decoded envelope"). Envelope metadata keys take precedence on collision.
func mergeMessageAttributes(metadata map[string]any, attrs map[string]events.SQSMessageAttribute) map[string]any {
	if len(attrs) == 0 {
		return metadata
	}
	merged := make(map[string]any, len(attrs)+len(metadata))
	for k, v := range attrs {
		merged[k] = messageAttributeValue(v)
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return merged
}

// messageAttributeValue extracts a Go value from a Lambda-delivered SQS
// message attribute, preferring the binary payload for Binary(.*) data types
// and the string value otherwise, matching the poller's own extraction from
// the AWS SDK's equivalent type.
func messageAttributeValue(v events.SQSMessageAttribute) any {
	if strings.HasPrefix(v.DataType, "Binary") {
		return v.BinaryValue
	}
	return aws.ToString(v.StringValue)
}

// runFlat dispatches every resolved record concurrently through the
// Manager, with no ordering guarantee — the standard (non-FIFO) case.
func (a *Adapter) runFlat(ctx context.Context, records []resolved, markFailed func(events.SQSMessage)) {
	var wg sync.WaitGroup
	for _, r := range records {
		r := r
		if r.failed {
			markFailed(r.record)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := a.mgr.ProcessSync(ctx, []byte(r.record.Body), r.metadata, r.mapping, r.record.ReceiptHandle)
			if result.Status != registry.Success {
				markFailed(r.record)
			}
		}()
	}
	wg.Wait()
}

// runGrouped mirrors the FIFO Scheduler's invariants (spec §4.6) for a
// single already-in-hand batch: groups run concurrently, each group's
// records are processed strictly in the order Lambda delivered them, and a
// failure halts the rest of that group's records in this batch.
func (a *Adapter) runGrouped(ctx context.Context, records []resolved, markFailed func(events.SQSMessage)) {
	groups := make(map[string][]resolved)
	order := make([]string, 0)
	for _, r := range records {
		if r.failed {
			markFailed(r.record)
			continue
		}
		if r.groupID == "" {
			a.logger.Printf("ERROR: fifo: message missing message-group-id (receipt %s)", r.record.ReceiptHandle)
			markFailed(r.record)
			continue
		}
		if _, seen := groups[r.groupID]; !seen {
			order = append(order, r.groupID)
		}
		groups[r.groupID] = append(groups[r.groupID], r)
	}

	var wg sync.WaitGroup
	for _, groupID := range order {
		group := groups[groupID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, r := range group {
				result := a.mgr.ProcessSync(ctx, []byte(r.record.Body), r.metadata, r.mapping, r.record.ReceiptHandle)
				if result.Status != registry.Success {
					markFailed(r.record)
					// SQS FIFO + Lambda treats every message in the batch
					// at or after the first reported failure's position
					// as failed too, so mark the rest of this group's
					// remaining records without invoking their handlers
					// (spec §4.6: they must not run in this cycle).
					for _, remaining := range group[i+1:] {
						markFailed(remaining.record)
					}
					return
				}
			}
		}()
	}
	wg.Wait()
}
