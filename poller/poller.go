// Package poller implements the SQS Poller (spec §4.5): the long-polling
// loop that respects a concurrency ceiling, decodes each received message
// through the envelope codec, resolves its handler in the subscriber
// registry, and feeds it to a Dispatcher (a Message Manager for standard
// queues, a FIFO Scheduler for .fifo queues).
package poller

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimbusq/subscriber/backoff"
	"github.com/nimbusq/subscriber/dispatch"
	"github.com/nimbusq/subscriber/envelope"
	"github.com/nimbusq/subscriber/registry"
)

// maxReceiveBatch is the SQS-enforced maximum messages per ReceiveMessage
// call (spec §8 boundary behavior: a larger request is clamped to 10).
const maxReceiveBatch = 10

// capacityPollInterval is the fallback wait used while capacity is
// saturated, matching the Manager's own WaitForCapacity fallback.
const capacityPollInterval = 50 * time.Millisecond

// Config holds the per-queue poller settings named in spec §6.
type Config struct {
	WaitTimeSeconds   int32 // 0-20
	VisibilityTimeout int32 // seconds, passed on every ReceiveMessage call
	FatalErrorCodes   []string
}

// Validate enforces WaitTimeSeconds within SQS's long-poll bounds.
func (c Config) Validate() error {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return fmt.Errorf("poller: WaitTimeSeconds must be within [0,20], got %d", c.WaitTimeSeconds)
	}
	return nil
}

// Poller long-polls one SQS queue and feeds decoded messages to a
// dispatch.Dispatcher.
type Poller struct {
	client     SQSReceiver
	queueURL   string
	codec      *envelope.Codec
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	backoff    backoff.Policy
	cfg        Config
	logger     *log.Logger

	healthy          atomic.Bool
	consecutiveFails atomic.Int32
}

// maxConsecutiveFailures is how many consecutive receive failures mark the
// poller unhealthy, mirroring the ambient health surface folded in from the
// notification-service example (SPEC_FULL.md §4).
const maxConsecutiveFailures = 3

// New constructs a Poller. backoffPolicy guards the ReceiveMessage call
// itself; dispatcher is typically a *manager.Manager (standard queue) or a
// *fifo.Scheduler (queueURL ends in ".fifo").
func New(client SQSReceiver, queueURL string, codec *envelope.Codec, reg *registry.Registry, dispatcher dispatch.Dispatcher, backoffPolicy backoff.Policy, cfg Config, logger *log.Logger) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if backoffPolicy == nil {
		backoffPolicy = backoff.None{}
	}

	p := &Poller{
		client:     client,
		queueURL:   queueURL,
		codec:      codec,
		registry:   reg,
		dispatcher: dispatcher,
		backoff:    backoffPolicy,
		cfg:        cfg,
		logger:     logger,
	}
	p.healthy.Store(true)
	return p, nil
}

// Healthy reports whether the poller has not yet tripped
// maxConsecutiveFailures consecutive receive errors and has not terminated
// on a fatal receive error.
func (p *Poller) Healthy() bool { return p.healthy.Load() }

// Run blocks, long-polling until ctx is canceled or a fatal AWS error is
// classified by the backoff policy. It never returns nil on a fatal error —
// callers should treat a non-nil, non-context error as "terminate this
// poller" per spec §7.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Printf("INFO: poller started for %s", p.queueURL)

	for {
		if ctx.Err() != nil {
			p.logger.Printf("INFO: poller shutting down for %s", p.queueURL)
			return nil
		}

		capacity := p.capacity()
		if capacity <= 0 {
			p.dispatcher.WaitForCapacity(ctx, capacityPollInterval)
			continue
		}

		messages, err := p.receive(ctx, capacity)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.healthy.Store(false)
			p.logger.Printf("ERROR: poller for %s terminating after fatal error: %v", p.queueURL, err)
			return err
		}

		p.dispatchBatch(ctx, messages)
	}
}

// capacity asks the dispatcher for its true free-slot count, clamped to the
// SQS per-call maximum, so a single receive call never pulls in more
// messages than the ceiling has room for (spec §8: activeMessages(t) <=
// MaxNumberOfConcurrentMessages at every instant, including with a
// MaxNumberOfConcurrentMessages=1 degenerate-serial configuration).
func (p *Poller) capacity() int {
	c := p.dispatcher.Capacity()
	if c > maxReceiveBatch {
		c = maxReceiveBatch
	}
	return c
}

// dispatchBatch hands off a received batch one message at a time, re-checking
// Capacity before each one. The receive call already requested no more than
// the ceiling allowed, so this only trips in the defensive case where more
// messages came back than were asked for; any such excess is left
// undispatched and redelivers once its visibility expires, same as a
// malformed envelope (spec §4.5, §7).
func (p *Poller) dispatchBatch(ctx context.Context, messages []types.Message) {
	for i, msg := range messages {
		if p.dispatcher.Capacity() <= 0 {
			p.logger.Printf("WARN: capacity exhausted on %s after %d of %d received message(s); leaving the rest for redelivery", p.queueURL, i, len(messages))
			return
		}
		p.handleRaw(ctx, msg)
	}
}

// withExtraFatalCodes layers poller-specific fatal error codes on top of a
// Policy's own classification, without requiring every Policy implementation
// to know about Config.FatalErrorCodes itself.
type withExtraFatalCodes struct {
	backoff.Policy
	extra []string
}

func (w withExtraFatalCodes) ShouldRetry(err error) bool {
	if backoff.IsFatal(err, w.extra...) {
		return false
	}
	return w.Policy.ShouldRetry(err)
}

// receive issues one long-poll ReceiveMessage call guarded by the backoff
// policy. A fatal error (per the policy's ShouldRetry) is returned as-is so
// Run can terminate the poller.
func (p *Poller) receive(ctx context.Context, capacity int) ([]types.Message, error) {
	if capacity > maxReceiveBatch {
		capacity = maxReceiveBatch
	}

	retryPolicy := p.backoff
	if len(p.cfg.FatalErrorCodes) > 0 {
		retryPolicy = withExtraFatalCodes{Policy: p.backoff, extra: p.cfg.FatalErrorCodes}
	}

	var out *sqs.ReceiveMessageOutput
	err := backoff.RunWithBackoff(ctx, retryPolicy, func(ctx context.Context) error {
		var rerr error
		out, rerr = p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(p.queueURL),
			MaxNumberOfMessages:   int32(capacity),
			WaitTimeSeconds:       p.cfg.WaitTimeSeconds,
			VisibilityTimeout:     p.cfg.VisibilityTimeout,
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameAll},
		})
		if rerr != nil {
			fails := p.consecutiveFails.Add(1)
			if fails >= maxConsecutiveFailures {
				p.healthy.Store(false)
			}
			p.logger.Printf("WARN: receive error on %s (consecutive: %d): %v", p.queueURL, fails, rerr)
			return rerr
		}
		if p.consecutiveFails.Swap(0) > 0 {
			p.healthy.Store(true)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Messages, nil
}

// handleRaw decodes one raw SQS message and, on success, submits it to the
// dispatcher. MalformedEnvelope and UnknownMessageType are logged and the
// message is left for SQS to redeliver until it reaches the DLQ (spec §7).
func (p *Poller) handleRaw(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		p.logger.Printf("ERROR: received message with empty body, receipt=%s", aws.ToString(msg.ReceiptHandle))
		return
	}

	decoded, err := p.codec.Decode([]byte(*msg.Body))
	if err != nil {
		p.logger.Printf("WARN: %v; leaving message %s for redelivery", err, aws.ToString(msg.ReceiptHandle))
		return
	}

	mapping, ok := p.registry.Lookup(decoded.Envelope.Type)
	if !ok {
		p.logger.Printf("WARN: %v: %q; leaving message %s for redelivery", envelope.ErrUnknownMessageType, decoded.Envelope.Type, aws.ToString(msg.ReceiptHandle))
		return
	}

	groupID := ""
	if v, ok := msg.Attributes["MessageGroupId"]; ok {
		groupID = v
	}

	p.dispatcher.Dispatch(ctx, dispatch.Message{
		Data:          decoded.Envelope.Data,
		Metadata:      mergeMessageAttributes(decoded.Envelope.Metadata, msg.MessageAttributes),
		Mapping:       mapping,
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		GroupID:       groupID,
	})
}

// mergeMessageAttributes folds SQS message attributes into the envelope's
// own metadata map so they are surfaced to the handler alongside trace
// context (spec §6: "all message attributes are surfaced as metadata on the
// decoded envelope"). Envelope metadata keys take precedence on collision.
func mergeMessageAttributes(metadata map[string]any, attrs map[string]types.MessageAttributeValue) map[string]any {
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

// messageAttributeValue extracts a Go value from an SQS message attribute,
// preferring the binary payload for Binary(.*) data types and the string
// value otherwise (String, Number, and their custom-label variants all carry
// their value in StringValue per the SQS wire format).
func messageAttributeValue(v types.MessageAttributeValue) any {
	if strings.HasPrefix(aws.ToString(v.DataType), "Binary") {
		return v.BinaryValue
	}
	return aws.ToString(v.StringValue)
}
