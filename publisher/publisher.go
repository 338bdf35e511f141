// Package publisher implements the Publisher (spec §4.8): the symmetric
// producer side of the envelope invariant. For each outgoing payload it
// resolves a publish mapping by type, encodes the canonical envelope (C1),
// and calls the appropriate transport SDK — SQS send-message, SNS publish,
// or EventBridge put-events.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	eventbridgesdk "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	snssdk "github.com/aws/aws-sdk-go-v2/service/sns"
	sqssdk "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/nimbusq/subscriber/envelope"
)

// ErrInvalidFifoPublish is raised when a FIFO destination is published to
// without a caller-supplied message-group-id (spec §4.8, §7 "InvalidFifoPublish").
var ErrInvalidFifoPublish = fmt.Errorf("publisher: fifo destination requires a message-group-id")

// ErrUnmappedType is returned when no destination is registered for a
// payload's type identifier.
var ErrUnmappedType = fmt.Errorf("publisher: no destination mapped for type")

// Transport identifies which AWS service a destination publishes through.
type Transport int

const (
	TransportSQS Transport = iota
	TransportSNS
	TransportEventBridge
)

// Destination is one publish mapping entry: where a given message type is
// sent and how.
type Destination struct {
	Transport Transport
	// QueueURL is used when Transport == TransportSQS.
	QueueURL string
	// TopicArn is used when Transport == TransportSNS.
	TopicArn string
	// EventBusName and Source are used when Transport == TransportEventBridge.
	EventBusName string
	Source       string
	// FIFO marks the destination as requiring a message-group-id on every
	// publish (spec §4.8).
	FIFO bool
}

// SQSSender is the subset of the SQS API the publisher needs.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqssdk.SendMessageInput, optFns ...func(*sqssdk.Options)) (*sqssdk.SendMessageOutput, error)
}

// SNSSender is the subset of the SNS API the publisher needs.
type SNSSender interface {
	Publish(ctx context.Context, params *snssdk.PublishInput, optFns ...func(*snssdk.Options)) (*snssdk.PublishOutput, error)
}

// EventBridgeSender is the subset of the EventBridge API the publisher needs.
type EventBridgeSender interface {
	PutEvents(ctx context.Context, params *eventbridgesdk.PutEventsInput, optFns ...func(*eventbridgesdk.Options)) (*eventbridgesdk.PutEventsOutput, error)
}

// Publisher is a thin transport selector that exists to preserve the
// envelope invariant (spec §4.8): every outgoing message, regardless of
// destination, carries the same canonical wire format a subscriber decodes.
type Publisher struct {
	codec  *envelope.Codec
	source string
	sqs    SQSSender
	sns    SNSSender
	eb     EventBridgeSender
	dests  map[string]Destination
}

// New constructs a Publisher. source is stamped on every envelope's source
// field; any of sqs/sns/eb may be nil if no destination uses that transport.
func New(codec *envelope.Codec, source string, sqs SQSSender, sns SNSSender, eb EventBridgeSender, destinations map[string]Destination) *Publisher {
	dests := make(map[string]Destination, len(destinations))
	for k, v := range destinations {
		dests[k] = v
	}
	return &Publisher{codec: codec, source: source, sqs: sqs, sns: sns, eb: eb, dests: dests}
}

// Publish resolves typeID's destination, encodes payload into the canonical
// envelope, and calls the matching transport SDK. groupID is required when
// the destination is FIFO; its absence is ErrInvalidFifoPublish regardless
// of transport.
func (p *Publisher) Publish(ctx context.Context, typeID string, payload any, metadata map[string]any, groupID string) error {
	dest, ok := p.dests[typeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnmappedType, typeID)
	}
	if dest.FIFO && groupID == "" {
		return fmt.Errorf("%w: type %s", ErrInvalidFifoPublish, typeID)
	}

	body, err := p.codec.Encode(typeID, p.source, payload, metadata)
	if err != nil {
		return fmt.Errorf("publisher: encode envelope for type %s: %w", typeID, err)
	}

	switch dest.Transport {
	case TransportSQS:
		return p.publishSQS(ctx, dest, body, groupID)
	case TransportSNS:
		return p.publishSNS(ctx, dest, body, groupID)
	case TransportEventBridge:
		return p.publishEventBridge(ctx, dest, body)
	default:
		return fmt.Errorf("publisher: unknown transport for type %s", typeID)
	}
}

func (p *Publisher) publishSQS(ctx context.Context, dest Destination, body []byte, groupID string) error {
	input := &sqssdk.SendMessageInput{
		QueueUrl:    aws.String(dest.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if dest.FIFO {
		input.MessageGroupId = aws.String(groupID)
		input.MessageDeduplicationId = aws.String(deduplicationID(body))
	}
	_, err := p.sqs.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("publisher: sqs send-message: %w", err)
	}
	return nil
}

func (p *Publisher) publishSNS(ctx context.Context, dest Destination, body []byte, groupID string) error {
	input := &snssdk.PublishInput{
		TopicArn: aws.String(dest.TopicArn),
		Message:  aws.String(string(body)),
	}
	if dest.FIFO {
		input.MessageGroupId = aws.String(groupID)
		input.MessageDeduplicationId = aws.String(deduplicationID(body))
	}
	_, err := p.sns.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publisher: sns publish: %w", err)
	}
	return nil
}

func (p *Publisher) publishEventBridge(ctx context.Context, dest Destination, body []byte) error {
	source := dest.Source
	if source == "" {
		source = p.source
	}
	entry := ebtypes.PutEventsRequestEntry{
		EventBusName: aws.String(dest.EventBusName),
		Source:       aws.String(source),
		DetailType:   aws.String("envelope"),
		Detail:       aws.String(string(body)),
	}
	out, err := p.eb.PutEvents(ctx, &eventbridgesdk.PutEventsInput{Entries: []ebtypes.PutEventsRequestEntry{entry}})
	if err != nil {
		return fmt.Errorf("publisher: eventbridge put-events: %w", err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		return fmt.Errorf("publisher: eventbridge put-events rejected entry: %s", aws.ToString(out.Entries[0].ErrorMessage))
	}
	return nil
}

// deduplicationID uses the encoded envelope's id as the FIFO dedup token,
// falling back to a hex dump of the body when no id can be read. Encode
// stamps a fresh id on every call, so two Publish calls with the same
// payload get different tokens and are not collapsed by deduplication; only
// a resend of the same encoded body is.
func deduplicationID(body []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.ID != "" {
		return probe.ID
	}
	return fmt.Sprintf("%x", body)
}
