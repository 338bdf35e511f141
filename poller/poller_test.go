package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusq/subscriber/backoff"
	"github.com/nimbusq/subscriber/dispatch"
	"github.com/nimbusq/subscriber/envelope"
	"github.com/nimbusq/subscriber/registry"
)

// fakeReceiver serves canned ReceiveMessageOutput batches in order, then
// returns an empty batch immediately on every later call, standing in for an
// idle long-poll until the test cancels its context.
type fakeReceiver struct {
	mu      sync.Mutex
	batches []*sqs.ReceiveMessageOutput
	errs    []error
	calls   int
}

func (f *fakeReceiver) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++

	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.batches) {
		return f.batches[idx], nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

// fakeDispatcher records every dispatched message. max bounds Capacity the
// same way manager.Manager's MaxConcurrentMessages does; zero means
// effectively unbounded, since most poller tests exercise decode/lookup
// routing, not the Manager's own concurrency gating (covered in package
// manager). release, when set, simulates a handler that holds its capacity
// slot for a while before freeing it, so tests can observe Capacity drop to
// zero mid-batch.
type fakeDispatcher struct {
	max     int
	release time.Duration

	mu         sync.Mutex
	dispatched []dispatch.Message
	active     int
}

func (f *fakeDispatcher) WaitForCapacity(context.Context, time.Duration) bool { return true }

func (f *fakeDispatcher) Capacity() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.max <= 0 {
		return maxReceiveBatch
	}
	c := f.max - f.active
	if c < 0 {
		return 0
	}
	return c
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg dispatch.Message) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, msg)
	f.active++
	f.mu.Unlock()

	if f.release > 0 {
		go func() {
			time.Sleep(f.release)
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()
	}
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type apiError struct{ code string }

func (e apiError) Error() string     { return fmt.Sprintf("api error: %s", e.code) }
func (e apiError) ErrorCode() string { return e.code }

func envelopeBody(t *testing.T, codec *envelope.Codec, typeID string, payload any) string {
	t.Helper()
	raw, err := codec.Encode(typeID, "test.suite", payload, nil)
	require.NoError(t, err)
	return string(raw)
}

func TestPoller_HappyPath_DispatchesDecodedMessage(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register("user.created", registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result { return registry.Ok() }}))

	body := envelopeBody(t, codec, "user.created", map[string]string{"id": "u-1"})
	receiver := &fakeReceiver{
		batches: []*sqs.ReceiveMessageOutput{
			{Messages: []types.Message{{Body: aws.String(body), ReceiptHandle: aws.String("rh-1")}}},
		},
	}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.None{}, Config{WaitTimeSeconds: 0}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = p.Run(ctx)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, 200*time.Millisecond, time.Millisecond)
	assert.Equal(t, "rh-1", dispatcher.dispatched[0].ReceiptHandle)
}

func TestPoller_UnknownMessageType_NotDispatched(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()

	body := envelopeBody(t, codec, "nobody.home", map[string]string{})
	receiver := &fakeReceiver{
		batches: []*sqs.ReceiveMessageOutput{
			{Messages: []types.Message{{Body: aws.String(body), ReceiptHandle: aws.String("rh-2")}}},
		},
	}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.None{}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Equal(t, 0, dispatcher.count())
}

func TestPoller_MalformedBody_NotDispatched(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()

	receiver := &fakeReceiver{
		batches: []*sqs.ReceiveMessageOutput{
			{Messages: []types.Message{{Body: aws.String("{not json"), ReceiptHandle: aws.String("rh-3")}}},
		},
	}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.None{}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Equal(t, 0, dispatcher.count())
}

func TestPoller_FatalReceiveError_TerminatesRun(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()

	receiver := &fakeReceiver{errs: []error{apiError{code: "AccessDenied"}}}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.None{}, Config{}, nil)
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.False(t, p.Healthy())
}

func TestPoller_TransientReceiveError_RetriesThenSucceeds(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register("user.created", registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result { return registry.Ok() }}))

	body := envelopeBody(t, codec, "user.created", map[string]string{"id": "u-2"})
	receiver := &fakeReceiver{
		errs: []error{apiError{code: "ThrottlingException"}, nil},
		batches: []*sqs.ReceiveMessageOutput{
			nil,
			{Messages: []types.Message{{Body: aws.String(body), ReceiptHandle: aws.String("rh-4")}}},
		},
	}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.Interval{Fixed: time.Millisecond}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, 200*time.Millisecond, time.Millisecond)
	assert.True(t, p.Healthy())
}

func TestPoller_ExtraFatalCode_TerminatesRun(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()

	receiver := &fakeReceiver{errs: []error{apiError{code: "CustomFatal"}}}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.Interval{Fixed: time.Millisecond}, Config{FatalErrorCodes: []string{"CustomFatal"}}, nil)
	require.NoError(t, err)

	var ran int32
	go func() {
		_ = p.Run(context.Background())
		atomic.StoreInt32(&ran, 1)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestPoller_GroupIDExtractedFromAttributes(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register("order.placed", registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result { return registry.Ok() }}))

	body := envelopeBody(t, codec, "order.placed", map[string]string{"id": "o-1"})
	receiver := &fakeReceiver{
		batches: []*sqs.ReceiveMessageOutput{
			{Messages: []types.Message{{
				Body:          aws.String(body),
				ReceiptHandle: aws.String("rh-5"),
				Attributes:    map[string]string{"MessageGroupId": "group-a"},
			}}},
		},
	}
	dispatcher := &fakeDispatcher{}

	p, err := New(receiver, "queue-url.fifo", codec, reg, dispatcher, backoff.None{}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, 200*time.Millisecond, time.Millisecond)
	assert.Equal(t, "group-a", dispatcher.dispatched[0].GroupID)
}

// TestPoller_BatchLargerThanCapacity_NeverExceedsCeiling guards spec §8's
// invariant that activeMessages(t) <= MaxNumberOfConcurrentMessages holds at
// every instant, not just on average across a batch. A dispatcher with room
// for exactly one in-flight message is handed a three-message batch (as if
// SQS had returned more than the sized request, the defensive case
// dispatchBatch exists for); at no point should more than one message be
// active at once, and the two that don't fit are left for redelivery.
func TestPoller_BatchLargerThanCapacity_NeverExceedsCeiling(t *testing.T) {
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register("order.placed", registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result { return registry.Ok() }}))

	body1 := envelopeBody(t, codec, "order.placed", map[string]string{"id": "o-1"})
	body2 := envelopeBody(t, codec, "order.placed", map[string]string{"id": "o-2"})
	body3 := envelopeBody(t, codec, "order.placed", map[string]string{"id": "o-3"})
	receiver := &fakeReceiver{
		batches: []*sqs.ReceiveMessageOutput{
			{Messages: []types.Message{
				{Body: aws.String(body1), ReceiptHandle: aws.String("rh-a")},
				{Body: aws.String(body2), ReceiptHandle: aws.String("rh-b")},
				{Body: aws.String(body3), ReceiptHandle: aws.String("rh-c")},
			}},
		},
	}
	dispatcher := &fakeDispatcher{max: 1, release: 500 * time.Millisecond}

	p, err := New(receiver, "queue-url", codec, reg, dispatcher, backoff.None{}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Equal(t, 1, dispatcher.count(), "only the ceiling's worth of messages should be dispatched from an oversized batch")
	assert.Equal(t, "rh-a", dispatcher.dispatched[0].ReceiptHandle)
}
