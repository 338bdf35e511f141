package poller

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSReceiver is the subset of the SQS API the Poller needs to long-poll for
// messages. Narrowly scoped so tests can fake it without constructing a real
// *sqs.Client.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}
