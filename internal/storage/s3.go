package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"querydesk/internal/domain"
)

var _ domain.BlobStore = (*S3)(nil)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores blobs in an S3-compatible bucket using the AWS SDK v2 with
// path-style addressing.
type S3 struct {
	client s3API
	bucket string
	keys   keyspace
}

// NewS3 creates an S3 store with static credentials.
func NewS3(cfg Config) (*S3, error) {
	bucket, err := requireBucket(BackendS3, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if cfg.KeyID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("s3: KEY_ID and SECRET are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return newS3WithClient(s3.New(opts), bucket, cfg.Prefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, keys: newKeyspace(prefix)}
}

// Put implements domain.BlobStore.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", k, err)
	}
	return nil
}

// Get implements domain.BlobStore.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := s.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", k, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete implements domain.BlobStore.
func (s *S3) Delete(ctx context.Context, key string) error {
	k, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("delete object %q: %w", k, err)
	}
	return nil
}
