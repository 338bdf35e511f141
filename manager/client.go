package manager

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSMutator is the subset of the SQS API the Manager needs to extend
// visibility and flush deletes. Defined narrowly so tests can fake it
// without constructing a real *sqs.Client.
type SQSMutator interface {
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}
