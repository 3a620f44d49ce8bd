package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"bookshelf-worker/internal/config"
)

// BlobBackend stores and retrieves raw object bytes by key. The reference
// counting above it lives in Store; backends only move bytes.
type BlobBackend interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// NewBlobBackend selects the S3 backend when a bucket is configured,
// otherwise a local-directory backend.
func NewBlobBackend(ctx context.Context, cfg config.Config) (BlobBackend, error) {
	if cfg.BlobS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Backend{client: client, bucket: cfg.BlobS3Bucket}, nil
	}
	return &localBackend{baseDir: cfg.BlobDir}, nil
}

// localBackend writes blobs under a base directory, keeping the key as a
// relative path.
type localBackend struct {
	baseDir string
}

func (l *localBackend) Put(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return key, nil
}

func (l *localBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

type s3Backend struct {
	client *s3.Client
	bucket string
}

func (u *s3Backend) Put(ctx context.Context, key string, body []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return key, nil
}

func (u *s3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.BlobS3Region),
	}
	if cfg.BlobS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.BlobS3Endpoint,
					HostnameImmutable: cfg.BlobS3PathStyle,
					SigningRegion:     cfg.BlobS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.BlobS3PathStyle
	}), nil
}

// blobKey builds a storage key under a prefix, normalizing separators.
func blobKey(prefix, name string) string {
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	return prefix + "/" + name
}
