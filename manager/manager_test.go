package manager

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusq/subscriber/registry"
)

type fakeSQS struct {
	mu                sync.Mutex
	visibilityCalls   int
	visibilityEntries []string
	deleteCalls       int
	deletedHandles    []string
}

func (f *fakeSQS) ChangeMessageVisibilityBatch(_ context.Context, params *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibilityCalls++
	out := &sqs.ChangeMessageVisibilityBatchOutput{}
	for _, e := range params.Entries {
		f.visibilityEntries = append(f.visibilityEntries, aws.ToString(e.ReceiptHandle))
		out.Successful = append(out.Successful, types.ChangeMessageVisibilityBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessageBatch(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range params.Entries {
		f.deleteCalls++
		f.deletedHandles = append(f.deletedHandles, aws.ToString(e.ReceiptHandle))
		out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func baseConfig() Config {
	return Config{
		MaxConcurrentMessages: 5,
		VisibilityTimeout:     2 * time.Second,
		ExtensionThreshold:    time.Second,
		HeartbeatInterval:     0,
	}
}

func TestConfig_ValidateRejectsZeroVisibility(t *testing.T) {
	c := baseConfig()
	c.VisibilityTimeout = 0
	assert.Error(t, c.Validate())
}

func TestManager_StartProcess_SuccessDeletesMessage(t *testing.T) {
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", baseConfig(), nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	var called int32
	mapping := registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result {
		atomic.AddInt32(&called, 1)
		return registry.Ok()
	}}

	m.StartProcess(m.Context(), []byte(`{}`), nil, mapping, "rh-1")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&called) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)

	m.flushDeletes(context.Background())
	assert.Contains(t, client.deletedHandles, "rh-1")
}

func TestManager_StartProcess_FailureDoesNotDelete(t *testing.T) {
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", baseConfig(), nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	mapping := registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result {
		return registry.Fail(nil)
	}}

	m.StartProcess(m.Context(), []byte(`{}`), nil, mapping, "rh-2")
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)

	m.flushDeletes(context.Background())
	assert.NotContains(t, client.deletedHandles, "rh-2")
}

func TestManager_StartProcess_PanicIsTreatedAsFailed(t *testing.T) {
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", baseConfig(), nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	mapping := registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result {
		panic("boom")
	}}

	m.StartProcess(m.Context(), []byte(`{}`), nil, mapping, "rh-3")
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)

	m.flushDeletes(context.Background())
	assert.NotContains(t, client.deletedHandles, "rh-3")
}

func TestManager_ActiveCount_RespectsCeiling(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentMessages = 1
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", cfg, nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	release := make(chan struct{})
	mapping := registry.Mapping{Handle: func(ctx context.Context, _ json.RawMessage, _ map[string]any) registry.Result {
		<-release
		return registry.Ok()
	}}

	m.StartProcess(m.Context(), []byte(`{}`), nil, mapping, "rh-a")
	require.Eventually(t, func() bool { return m.ActiveCount() == 1 }, time.Second, time.Millisecond)

	assert.False(t, m.WaitForCapacity(context.Background(), 20*time.Millisecond))

	close(release)
	require.Eventually(t, func() bool { return m.WaitForCapacity(context.Background(), 50*time.Millisecond) }, time.Second, time.Millisecond)
}

func TestManager_Heartbeat_ExtendsVisibilityForSlowHandler(t *testing.T) {
	cfg := Config{
		MaxConcurrentMessages: 5,
		VisibilityTimeout:     300 * time.Millisecond,
		ExtensionThreshold:    200 * time.Millisecond,
		HeartbeatInterval:     50 * time.Millisecond,
	}
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", cfg, nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	release := make(chan struct{})
	mapping := registry.Mapping{Handle: func(context.Context, json.RawMessage, map[string]any) registry.Result {
		<-release
		return registry.Ok()
	}}

	m.StartProcess(m.Context(), []byte(`{}`), nil, mapping, "rh-slow")

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.visibilityCalls >= 2
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)
}

func TestManager_EnqueueDelete_FlushesAtBatchLimit(t *testing.T) {
	client := &fakeSQS{}
	m, err := New(context.Background(), client, "queue-url", baseConfig(), nil)
	require.NoError(t, err)
	defer m.Shutdown(time.Second)

	for i := 0; i < batchLimit; i++ {
		m.enqueueDelete("rh")
	}

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.deleteCalls == batchLimit
	}, time.Second, time.Millisecond)
}
