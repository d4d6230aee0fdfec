package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOSink implements Sink using minio-go, which works against any
// S3-compatible provider.
type MinIOSink struct {
	client     *minio.Client
	publicBase string
}

// NewMinIOSink creates a new MinIO-backed sink
func NewMinIOSink(cfg Config) (*MinIOSink, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOSink{
		client:     client,
		publicBase: strings.TrimRight(cfg.PublicBase, "/"),
	}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// Put uploads an object and returns its destination
func (s *MinIOSink) Put(ctx context.Context, container, name string, reader io.Reader, size int64, opts PutOptions) (PutResult, error) {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	}

	info, err := s.client.PutObject(ctx, container, name, reader, size, putOpts)
	if err != nil {
		return PutResult{}, fmt.Errorf("put object %q: %w", name, err)
	}

	return PutResult{
		URL:  s.objectURL(container, name),
		ETag: info.ETag,
		Size: info.Size,
	}, nil
}

// EnsureContainer creates the bucket if it does not already exist
func (s *MinIOSink) EnsureContainer(ctx context.Context, name string) error {
	exists, err := s.client.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
		// Another process may have created it between the check and the make
		exists, checkErr := s.client.BucketExists(ctx, name)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %q: %w", name, err)
	}

	return nil
}

// HealthProbe checks storage reachability with a short deadline
func (s *MinIOSink) HealthProbe(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.client.ListBuckets(ctx)
	if err != nil {
		return Health{Healthy: false, Detail: err.Error()}
	}

	return Health{
		Healthy: true,
		Detail:  fmt.Sprintf("responded in %s", time.Since(start).Round(time.Millisecond)),
	}
}

func (s *MinIOSink) objectURL(container, name string) string {
	if s.publicBase != "" {
		return s.publicBase + "/" + name
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.client.EndpointURL().String(), "/"), container, name)
}
