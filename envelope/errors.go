package envelope

import "errors"

var (
	// ErrMalformedEnvelope is returned when the outer JSON does not carry the
	// required canonical fields (id, source, specversion, type, time, data).
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownMessageType names an envelope whose type identifier has no
	// matching entry in the subscriber registry. Decode does not return it;
	// the poller and the Lambda adapter report it after a failed
	// registry.Lookup.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrPayloadDeserialization names a data field that cannot be unmarshaled
	// into the payload type registered for the envelope's type. No function
	// in this module returns it: registry.RegisterTyped reports that case as
	// a Failed Result whose Err wraps the json error.
	ErrPayloadDeserialization = errors.New("payload deserialization failed")
	// ErrInvalidEnvelopeSchema is returned by NewCodec if the canonical
	// envelope Schema itself does not compile.
	ErrInvalidEnvelopeSchema = errors.New("invalid envelope schema")
)
