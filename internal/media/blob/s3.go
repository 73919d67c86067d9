// Package blob stores media binaries in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Store uploads and deletes media blobs in a single bucket. Object keys
// double as the public ids recorded next to each media row.
type S3Store struct {
	client *s3.Client
	bucket string
	region string
	// endpoint overrides the public AWS URL scheme, used for S3-compatible
	// stores such as MinIO.
	endpoint string
}

// NewS3 creates the store from ambient AWS configuration. endpoint may be
// empty for real S3.
func NewS3(ctx context.Context, bucket, region, endpoint string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket, region: region, endpoint: endpoint}, nil
}

// Upload writes the blob under a fresh key and returns the key and its
// public URL.
func (s *S3Store) Upload(ctx context.Context, data []byte, contentType string) (publicID, url string, err error) {
	publicID = uuid.NewString()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(publicID),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", "", fmt.Errorf("upload blob: %w", err)
	}
	return publicID, s.publicURL(publicID), nil
}

// Delete removes the blob. S3 treats deletion of a missing key as success,
// which keeps the post.deleted applier idempotent.
func (s *S3Store) Delete(ctx context.Context, publicID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(publicID),
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", publicID, err)
	}
	return nil
}

func (s *S3Store) publicURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
