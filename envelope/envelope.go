// Package envelope implements the canonical CloudEvents-aligned wire format
// shared by every subscriber and publisher in this framework, including
// recognition and unwrapping of SNS- and EventBridge-delivered transport
// envelopes that arrive inside an SQS message body.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusq/subscriber/internal/jsonschema"
)

// Schema is the canonical envelope's structural JSON schema. It intentionally
// validates only the fields this framework depends on; unknown metadata keys
// are always permitted.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "source": { "type": "string", "minLength": 1 },
    "specversion": { "type": "string", "enum": ["1.0"] },
    "type": { "type": "string", "minLength": 1 },
    "time": { "type": "string", "minLength": 1 },
    "data": {},
    "metadata": { "type": "object" }
  },
  "required": ["id", "source", "specversion", "type", "time", "data"]
}`

// SpecVersion is the only value the envelope's specversion field may carry.
const SpecVersion = "1.0"

// Envelope is the canonical payload exchanged on the wire. See spec §3.
type Envelope struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Transport identifies which delivery wrapper, if any, a raw SQS body was
// found inside before the canonical envelope was recovered.
type Transport int

const (
	// TransportDirect means the SQS message body was itself the envelope.
	TransportDirect Transport = iota
	// TransportSNS means the envelope arrived inside an SNS notification's
	// Message field (SNS-to-SQS subscription).
	TransportSNS
	// TransportEventBridge means the envelope arrived inside an EventBridge
	// event's detail field (EventBridge-to-SQS rule target).
	TransportEventBridge
)

// TransportMetadata preserves the outer wrapper's own metadata so it is not
// lost when the inner envelope is recovered.
type TransportMetadata struct {
	SNSTopicArn           string
	SNSMessageID          string
	EventBridgeSource     string
	EventBridgeDetailType string
	EventBridgeResources  []string
}

// Decoded is the result of recognizing and unwrapping a raw SQS body down to
// its canonical envelope.
type Decoded struct {
	Envelope  Envelope
	Transport Transport
	Aux       TransportMetadata
}

// Codec validates and (de)serializes envelopes. It is safe for concurrent
// use after construction; the underlying schema loader is read-only.
type Codec struct {
	schema jsonschema.JSONLoader
}

// NewCodec compiles the canonical envelope schema once and returns a reusable
// Codec. Construction fails fast if the schema itself does not compile.
func NewCodec() (*Codec, error) {
	loader := jsonschema.NewStringLoader(Schema)
	if _, err := jsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelopeSchema, err)
	}
	return &Codec{schema: loader}, nil
}

// Encode builds the canonical wire envelope for a payload under typeID,
// stamping a fresh id and the current UTC time. data is embedded as a nested
// JSON value rather than a JSON-escaped string; either representation would
// round-trip through Decode consistently, and this framework picks the
// nested form throughout.
func (c *Codec) Encode(typeID, source string, payload any, metadata map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for type %q: %w", typeID, err)
	}

	env := Envelope{
		ID:          uuid.NewString(),
		Source:      source,
		SpecVersion: SpecVersion,
		Type:        typeID,
		Time:        time.Now().UTC(),
		Data:        data,
		Metadata:    metadata,
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for type %q: %w", typeID, err)
	}
	return out, nil
}

// Decode recognizes and unwraps a raw SQS message body. It detects SNS and
// EventBridge transport wrappers (spec §4.1 step 2) before validating and
// parsing the canonical envelope fields. It does not consult the subscriber
// registry — type lookup and payload deserialization into a concrete Go type
// happen one layer up, in the registered handler closure, so this package
// carries no generic/reflective dispatch machinery.
func (c *Codec) Decode(raw []byte) (*Decoded, error) {
	body := raw
	aux := TransportMetadata{}
	transport := TransportDirect

	for {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}

		if inner, ok := snsMessage(probe, &aux); ok {
			body = inner
			transport = TransportSNS
			continue
		}
		if inner, ok := eventBridgeDetail(probe, &aux); ok {
			body = inner
			transport = TransportEventBridge
			continue
		}
		break
	}

	res, err := jsonschema.Validate(c.schema, jsonschema.NewBytesLoader(body))
	if validationErr := jsonschema.FormatErrors(res, err); validationErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, validationErr)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return &Decoded{Envelope: env, Transport: transport, Aux: aux}, nil
}
