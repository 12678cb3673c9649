package billing

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hookbill/hookbill/internal/pkg/env"
)

// PayloadArchiver uploads raw webhook payloads to S3-compatible storage for
// audit. Archival is best-effort and happens after the delivery's
// transaction commits; it is never part of the consistency guarantee.
type PayloadArchiver struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// NewPayloadArchiverFromEnv builds the archiver from ARCHIVE_S3_* settings.
// Returns (nil, nil) when no bucket is configured, which disables archival.
func NewPayloadArchiverFromEnv(ctx context.Context) (*PayloadArchiver, error) {
	bucket := env.GetEnv("ARCHIVE_S3_BUCKET", "")
	if bucket == "" {
		return nil, nil
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(env.GetEnv("ARCHIVE_S3_REGION", "us-east-1")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", "")
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &PayloadArchiver{
		s3Client: client,
		bucket:   bucket,
		prefix:   env.GetEnv("ARCHIVE_S3_PREFIX", "webhooks"),
	}, nil
}

// Archive stores one delivery's raw payload under
// "<prefix>/<provider>/<eventID>.json".
func (a *PayloadArchiver) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, provider, eventID)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload %s: %w", key, err)
	}
	return nil
}
