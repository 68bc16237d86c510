package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jonwraymond/toolcache/cache"
)

// S3API is the subset of *s3.Client used by S3Backend.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LoadS3Client builds an S3 client from the default AWS config chain
// (environment, shared config, instance metadata). An empty region keeps
// the chain's region.
func LoadS3Client(ctx context.Context, region string, optFns ...func(*s3.Options)) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("persist: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, optFns...), nil
}

// S3Backend stores the snapshot as one JSON object.
type S3Backend struct {
	client S3API
	bucket string
	key    string
}

// NewS3Backend creates a backend for s3://bucket/key.
func NewS3Backend(client S3API, bucket, key string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, key: key}
}

func (b *S3Backend) Load(ctx context.Context) ([]cache.Record, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("persist: get s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("persist: read s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return decodeDocument(data)
}

func (b *S3Backend) Save(ctx context.Context, records []cache.Record) error {
	data, err := encodeDocument(records, time.Now())
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("persist: put s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return nil
}

var _ Backend = (*S3Backend)(nil)
