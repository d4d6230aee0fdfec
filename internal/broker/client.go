package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidArgument is returned when required request fields are missing.
// No network call is made in that case.
var ErrInvalidArgument = errors.New("invalid argument")

// Config contains broker client configuration
type Config struct {
	BaseURL     string
	CallbackURL string // default callback endpoint for initiated uploads
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

// Client talks to the remote upload-initiation/status service with bounded
// retries. Every failure is retried up to the limit regardless of HTTP
// status class; the error message embeds code, status text, and body so
// callers can still tell 4xx from 5xx.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a broker client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// InitiateRequest is the input to InitiateUpload
type InitiateRequest struct {
	FormPath     string            `json:"formPath"`
	RetrievalKey string            `json:"retrievalKey"`
	MimeTypes    []string          `json:"mimeTypes"`
	Metadata     map[string]string `json:"metadata"`
	CallbackURL  string            `json:"callbackUrl"`
	MaxFileSize  int64             `json:"maxFileSize,omitempty"`
}

// InitiateResult is the broker's answer to an initiation request
type InitiateResult struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// StatusFile describes one file held by the broker for an upload
type StatusFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// StatusResult is the broker's view of an upload
type StatusResult struct {
	UploadID string       `json:"uploadId"`
	Status   string       `json:"status"`
	Progress int          `json:"progress"`
	Files    []StatusFile `json:"files"`
}

// DeleteResult reports a deletion
type DeleteResult struct {
	Success   bool   `json:"success"`
	DeletedAt string `json:"deletedAt,omitempty"`
}

// HealthInfo reports broker reachability. GetHealthInfo never returns an
// error; failures land in the Error field.
type HealthInfo struct {
	Healthy      bool   `json:"healthy"`
	ResponseTime string `json:"responseTime"`
	Version      string `json:"version,omitempty"`
	Error        string `json:"error,omitempty"`
}

// InitiateUpload requests an upload slot from the broker
func (c *Client) InitiateUpload(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.FormPath == "" {
		return nil, fmt.Errorf("%w: formPath is required", ErrInvalidArgument)
	}
	if req.RetrievalKey == "" {
		return nil, fmt.Errorf("%w: retrievalKey is required", ErrInvalidArgument)
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.cfg.CallbackURL
	}
	if req.MimeTypes == nil {
		req.MimeTypes = []string{}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request is not serializable: %v", ErrInvalidArgument, err)
	}

	var result InitiateResult
	err = c.doWithRetry(ctx, "Upload initiation failed", func() error {
		return c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/initiate", body, &result)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// GetUploadStatus queries the broker for an upload's state
func (c *Client) GetUploadStatus(ctx context.Context, uploadID string) (*StatusResult, error) {
	if uploadID == "" {
		return nil, fmt.Errorf("%w: uploadID is required", ErrInvalidArgument)
	}

	var result StatusResult
	err := c.doWithRetry(ctx, "Upload status check failed", func() error {
		return c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/status/"+uploadID, nil, &result)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// DeleteUpload removes an upload from the broker. A remote "not found" is
// treated as success so deletion is idempotent.
func (c *Client) DeleteUpload(ctx context.Context, uploadID string) (*DeleteResult, error) {
	if uploadID == "" {
		return nil, fmt.Errorf("%w: uploadID is required", ErrInvalidArgument)
	}

	var result DeleteResult
	err := c.doWithRetry(ctx, "Upload deletion failed", func() error {
		err := c.doJSON(ctx, http.MethodDelete, c.cfg.BaseURL+"/upload/"+uploadID, nil, &result)
		if err != nil && isNotFound(err) {
			result = DeleteResult{Success: true, DeletedAt: time.Now().UTC().Format(time.RFC3339)}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// GetHealthInfo probes the broker health endpoint
func (c *Client) GetHealthInfo(ctx context.Context) HealthInfo {
	start := time.Now()

	var payload struct {
		Version string `json:"version"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil, &payload)
	elapsed := time.Since(start).Round(time.Millisecond).String()

	if err != nil {
		return HealthInfo{Healthy: false, ResponseTime: elapsed, Error: err.Error()}
	}

	return HealthInfo{Healthy: true, ResponseTime: elapsed, Version: payload.Version}
}

// FetchFile streams a staged file from the broker. The caller owns the
// returned reader. Only the request itself is retried, never a partially
// consumed body.
func (c *Client) FetchFile(ctx context.Context, fileURL string) (io.ReadCloser, int64, error) {
	if fileURL == "" {
		return nil, 0, fmt.Errorf("%w: fileURL is required", ErrInvalidArgument)
	}

	var body io.ReadCloser
	var size int64
	err := c.doWithRetry(ctx, "File retrieval failed", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			return responseError(resp)
		}
		body = resp.Body
		size = resp.ContentLength
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return body, size, nil
}

// doWithRetry runs fn up to MaxAttempts times, sleeping
// min(base * 2^(k-1), cap) between attempts. The sleep honors ctx so a
// caller deadline bounds the whole loop. The last underlying error is
// wrapped with the operation prefix.
func (c *Client) doWithRetry(ctx context.Context, prefix string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		c.logger.Warn("broker request attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(lastErr),
		)

		if attempt < c.cfg.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", prefix, ctx.Err())
			}
		}
	}

	return fmt.Errorf("%s: %w", prefix, lastErr)
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.cfg.BackoffBase << uint(attempt-1)
	if backoff > c.cfg.BackoffCap || backoff <= 0 {
		backoff = c.cfg.BackoffCap
	}
	return backoff
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// responseError builds an error embedding status code, status text, and
// response body so callers can distinguish 4xx from 5xx failures.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("broker returned %d %s: %s",
		resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(raw)))
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "404")
}
