package manager

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// runHeartbeat fires every HeartbeatInterval for the lifetime of the
// Manager, extending visibility for any record within ExtensionThreshold
// seconds of expiry. A single shared timer iterating the in-flight set is
// used rather than a per-message timer, which keeps extensions naturally
// batchable (spec §9 design notes).
func (m *Manager) runHeartbeat() {
	defer close(m.heartbeatDone)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			m.extendEligible()
		}
	}
}

// extendEligible collects records within ExtensionThreshold of expiry,
// partitions them into chunks of at most batchLimit, and issues one
// ChangeMessageVisibilityBatch call per chunk.
func (m *Manager) extendEligible() {
	now := time.Now()

	m.mu.Lock()
	var eligible []*record
	for _, r := range m.records {
		if r.expiresAt.Sub(now) <= m.cfg.ExtensionThreshold {
			eligible = append(eligible, r)
		}
	}
	m.mu.Unlock()

	if len(eligible) == 0 {
		return
	}

	for start := 0; start < len(eligible); start += batchLimit {
		end := start + batchLimit
		if end > len(eligible) {
			end = len(eligible)
		}
		m.extendBatch(eligible[start:end])
	}
}

// extendBatch issues one bulk change-visibility call for a chunk of at most
// batchLimit records, advancing expiresAt only for entries AWS reports as
// successful. Failed entries are logged and left unchanged — the handler's
// cancellation is not triggered merely because an extension failed; it may
// still finish before the original (unextended) expiry.
func (m *Manager) extendBatch(chunk []*record) {
	entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
	byID := make(map[string]*record, len(chunk))
	for i, r := range chunk {
		id := fmt.Sprintf("%d", i)
		entries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
			Id:                aws.String(id),
			ReceiptHandle:     aws.String(r.receiptHandle),
			VisibilityTimeout: int32(m.cfg.VisibilityTimeout.Seconds()),
		}
		byID[id] = r
	}

	out, err := m.client.ChangeMessageVisibilityBatch(m.rootCtx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(m.queueURL),
		Entries:  entries,
	})
	if err != nil {
		m.logger.Printf("WARN: bulk change-visibility failed for %d records: %v", len(chunk), err)
		return
	}

	newExpiry := time.Now().Add(m.cfg.VisibilityTimeout)

	m.mu.Lock()
	for _, ok := range out.Successful {
		if r, found := byID[aws.ToString(ok.Id)]; found {
			r.expiresAt = newExpiry
		}
	}
	m.mu.Unlock()

	for _, fail := range out.Failed {
		m.logger.Printf("WARN: change-visibility failed for entry %s: %s", aws.ToString(fail.Id), aws.ToString(fail.Message))
	}
}
