package s3part

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ClientParams configures NewClient.
type ClientParams struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides the S3 endpoint, e.g. for S3 compatible storage. Requests use
	// path style addressing when it is set.
	Endpoint string
}

// NewClient creates an S3 client. Static credentials are used when provided, otherwise the
// default AWS credential chain applies.
func NewClient(ctx context.Context, params ClientParams, logger log.Logger) (*s3.Client, error) {
	cfg, err := loadConfig(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func loadConfig(ctx context.Context, params ClientParams, logger log.Logger) (aws.Config, error) {
	if params.Region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}

	switch {
	case params.AccessKeyID != "" && params.SecretAccessKey != "":
		logger.Debugf("Using static credentials for %s", params.Region)
		provider := credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, params.SessionToken)
		opts = append(opts, config.WithCredentialsProvider(provider))
	case params.AccessKeyID != "" || params.SecretAccessKey != "":
		return aws.Config{}, fmt.Errorf("access key ID and secret access key must be set together")
	case params.Endpoint != "":
		// S3 compatible storage without credentials, e.g. a local MinIO
		logger.Debugf("Using anonymous credentials for %s", params.Endpoint)
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	return cfg, nil
}
