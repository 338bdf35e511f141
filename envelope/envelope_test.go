package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userCreated struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

func TestCodec_EncodeDecode_RoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	payload := userCreated{UserID: "u-1", Name: "ada"}
	raw, err := codec.Encode("user.created", "urn:test:service", payload, map[string]any{"trace-id": "abc"})
	require.NoError(t, err)

	decoded, err := codec.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "user.created", decoded.Envelope.Type)
	assert.Equal(t, SpecVersion, decoded.Envelope.SpecVersion)
	assert.Equal(t, TransportDirect, decoded.Transport)
	assert.NotEmpty(t, decoded.Envelope.ID)

	var out userCreated
	require.NoError(t, json.Unmarshal(decoded.Envelope.Data, &out))
	assert.Equal(t, payload, out)
	assert.Equal(t, "abc", decoded.Envelope.Metadata["trace-id"])
}

func TestCodec_Decode_MalformedEnvelope(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	_, err = codec.Decode([]byte(`{"source":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = codec.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCodec_Decode_SNSWrapper(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	inner, err := codec.Encode("order.shipped", "urn:test:service", map[string]string{"id": "o-1"}, nil)
	require.NoError(t, err)

	escaped, err := json.Marshal(string(inner))
	require.NoError(t, err)

	outer := []byte(`{"Type":"Notification","MessageId":"sns-1","TopicArn":"arn:aws:sns:us-east-1:123:topic","Message":` + string(escaped) + `}`)

	decoded, err := codec.Decode(outer)
	require.NoError(t, err)
	assert.Equal(t, TransportSNS, decoded.Transport)
	assert.Equal(t, "arn:aws:sns:us-east-1:123:topic", decoded.Aux.SNSTopicArn)
	assert.Equal(t, "sns-1", decoded.Aux.SNSMessageID)
	assert.Equal(t, "order.shipped", decoded.Envelope.Type)
}

func TestCodec_Decode_EventBridgeWrapper_ObjectDetail(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	inner, err := codec.Encode("order.shipped", "urn:test:service", map[string]string{"id": "o-1"}, nil)
	require.NoError(t, err)

	outer := []byte(`{"detail-type":"order","source":"com.example","time":"2024-01-01T00:00:00Z","resources":["arn:a"],"detail":` + string(inner) + `}`)

	decoded, err := codec.Decode(outer)
	require.NoError(t, err)
	assert.Equal(t, TransportEventBridge, decoded.Transport)
	assert.Equal(t, "com.example", decoded.Aux.EventBridgeSource)
	assert.Equal(t, "order", decoded.Aux.EventBridgeDetailType)
	assert.Equal(t, []string{"arn:a"}, decoded.Aux.EventBridgeResources)
}

func TestCodec_Decode_EventBridgeWrapper_StringDetail(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	inner, err := codec.Encode("order.shipped", "urn:test:service", map[string]string{"id": "o-1"}, nil)
	require.NoError(t, err)
	escaped, err := json.Marshal(string(inner))
	require.NoError(t, err)

	outer := []byte(`{"detail-type":"order","source":"com.example","time":"2024-01-01T00:00:00Z","detail":` + string(escaped) + `}`)

	decoded, err := codec.Decode(outer)
	require.NoError(t, err)
	assert.Equal(t, TransportEventBridge, decoded.Transport)
	assert.Equal(t, "order.shipped", decoded.Envelope.Type)
}
