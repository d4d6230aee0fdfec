package storage

import (
	"context"
	"io"
)

// Sink defines the interface for durable object storage. Any S3-compatible
// SDK can be adapted to this three-method shape.
type Sink interface {
	// Put streams data into the container under name and returns where it
	// landed.
	Put(ctx context.Context, container, name string, reader io.Reader, size int64, opts PutOptions) (PutResult, error)
	// EnsureContainer creates the container if it does not exist. Idempotent.
	EnsureContainer(ctx context.Context, name string) error
	// HealthProbe checks reachability of the storage backend
	HealthProbe(ctx context.Context) Health
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// PutResult describes a stored object
type PutResult struct {
	URL  string `json:"url"`
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// Health is the result of a storage probe
type Health struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// Config contains sink configuration
type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Secure     bool
	PublicBase string
}
