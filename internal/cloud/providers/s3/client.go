// Package s3 provides the S3 implementation of storage.ObjectStore.
// This file contains the client factory; store.go holds the operations.
package s3

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/logging"
)

// Config holds configuration for the backing S3-compatible store.
type Config struct {
	Endpoint        string
	PublicEndpoint  string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	PresignExpiry   time.Duration
}

// newS3Client creates an SDK client, optionally pointed at a custom endpoint.
//
// Static keys are wrapped in a credentials cache; without keys the SDK's
// default chain (environment, shared config, instance role) is used.
func newS3Client(ctx context.Context, cfg Config, endpoint string, httpClient *awshttp.BuildableClient) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKeyID != "" {
		staticCreds := awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(aws.NewCredentialsCache(staticCreds)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle
		},
	}
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewStore creates a Store for cfg.
//
// When PublicEndpoint is set a second presign client signs external download
// URLs against it; signatures embed the host, so internal URLs cannot simply
// be rewritten.
func NewStore(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = constants.DefaultPresignExpiry
	}

	// The SDK can only apply AWS_CA_BUNDLE and similar settings to a
	// client it knows how to rebuild.
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(5 * time.Minute).
		WithTransportOptions(func(tr *nethttp.Transport) {
			tr.MaxIdleConns = 100
			tr.MaxIdleConnsPerHost = 10
			tr.IdleConnTimeout = 90 * time.Second
		})

	client, err := newS3Client(ctx, cfg, cfg.Endpoint, httpClient)
	if err != nil {
		return nil, err
	}

	external := s3.NewPresignClient(client)
	if cfg.PublicEndpoint != "" {
		publicClient, err := newS3Client(ctx, cfg, cfg.PublicEndpoint, httpClient)
		if err != nil {
			return nil, err
		}
		external = s3.NewPresignClient(publicClient)
	}

	logger = logging.OrNop(logger)
	logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("region", cfg.Region).
		Str("bucket", cfg.Bucket).
		Msg("Created S3 object store client")

	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		external:  external,
		bucket:    cfg.Bucket,
		expiry:    cfg.PresignExpiry,
		logger:    logger,
	}, nil
}
