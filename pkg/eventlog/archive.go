package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores a log snapshot under name.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}

// Snapshotter is implemented by FileLog and MemoryLog.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// ArchiveName is the object name used for a snapshot taken at t.
func ArchiveName(t time.Time) string {
	return "callbridge-events-" + t.UTC().Format("20060102T150405Z") + ".jsonl"
}

// ArchiveSnapshot copies the current log to a. The log keeps growing; the
// archive is a point-in-time copy that Verify can check independently.
func ArchiveSnapshot(ctx context.Context, log Snapshotter, a Archiver, now time.Time) (string, error) {
	data, err := log.Snapshot()
	if err != nil {
		return "", fmt.Errorf("eventlog: snapshot: %w", err)
	}
	name := ArchiveName(now)
	if err := a.Archive(ctx, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// S3API is the subset of *s3.Client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads snapshots to an S3 bucket.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Archiver loads the default AWS configuration and creates an archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Archive(ctx context.Context, name string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}
