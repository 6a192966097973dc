// Package storage implements the S3-compatible object-store adapter used
// for target files, probe files, and result files (spec §4.5).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	iriscfg "github.com/traceroute-cloud/iris/internal/config"
)

// ObjectInfo is the result of a Head call (spec §4.5).
type ObjectInfo struct {
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Storage is the adapter over an S3-compatible object store.
type Storage struct {
	client *s3.Client
}

// New builds a Storage adapter from configuration.
func New(ctx context.Context, cfg iriscfg.StorageConfig) (*Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Storage{client: client}, nil
}

// List returns every key in bucket.
func (s *Storage) List(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &bucket})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// Head returns object metadata without fetching its body.
func (s *Storage) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: head %s/%s: %w", bucket, key, err)
	}
	info := ObjectInfo{Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Get downloads an object's full body.
func (s *Storage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read body %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put uploads the file at localPath to bucket/key with the given metadata.
func (s *Storage) Put(ctx context.Context, bucket, key, localPath string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", localPath, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   &bucket,
		Key:      &key,
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key and returns the underlying HTTP status so
// callers can distinguish 204 (deleted) from other outcomes (spec §4.5).
func (s *Storage) Delete(ctx context.Context, bucket, key string) (int, error) {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return httpStatusFromError(err), fmt.Errorf("storage: delete %s/%s: %w", bucket, key, err)
	}
	return http.StatusNoContent, nil
}

// DeleteNoCheck removes bucket/key and discards errors, for best-effort
// round-N>1 cleanup paths that must not block on storage availability.
func (s *Storage) DeleteNoCheck(ctx context.Context, bucket, key string) {
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
}

// httpStatusFromError extracts the HTTP status code from an AWS SDK error
// response when available, falling back to 500.
func httpStatusFromError(err error) int {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
