package config

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// LoadAWSConfig resolves the process's AWS SDK configuration (credentials,
// region, retry behavior) via the standard credential chain, pinned to
// region if non-empty. This is the one place this framework touches
// aws-sdk-go-v2/config directly — every service client (sqs.NewFromConfig,
// sns.NewFromConfig, eventbridge.NewFromConfig) is built from its result.
func LoadAWSConfig(ctx context.Context, region string) (awssdk.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awssdk.Config{}, fmt.Errorf("config: load AWS SDK config: %w", err)
	}
	return cfg, nil
}
