package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uploadrelay/internal/broker"
	"uploadrelay/internal/metrics"
	"uploadrelay/internal/session"
	"uploadrelay/internal/statestore"
	"uploadrelay/internal/storage"
	"uploadrelay/internal/worker"

	"go.uber.org/zap"
)

// ErrInvalidPayload is returned for callback payloads missing required
// fields. Nothing is mutated in that case.
var ErrInvalidPayload = errors.New("invalid callback payload")

// State is the orchestrator's per-callback state machine
type State string

const (
	StateReceived  State = "received"
	StateSkipped   State = "skipped"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// CallbackPayload is what the broker posts on upload completion
type CallbackPayload struct {
	UploadID     string `json:"uploadId"`
	Status       string `json:"status"`
	RetrievalKey string `json:"retrievalKey,omitempty"`
}

// Outcome is the result of processing one callback
type Outcome struct {
	State   State  `json:"state"`
	Message string `json:"message"`
}

// FormDataLookup resolves previously stored form fields for an upload.
// Lookup failures are logged and treated as "no form data".
type FormDataLookup func(uploadID string) (map[string]string, error)

// Config holds orchestrator settings fixed at process start
type Config struct {
	Mode           string // "sync" or "background"
	Container      string
	StorageEnabled bool
}

// Orchestrator reacts to broker completion callbacks and drives staged
// files into durable storage, reconciling the session registry and state
// store along the way.
type Orchestrator struct {
	cfg      Config
	sink     storage.Sink
	broker   *broker.Client
	registry *session.Registry
	store    *statestore.Store
	metrics  *metrics.Collector
	pool     *worker.Pool
	logger   *zap.Logger
}

// New creates an orchestrator
func New(
	cfg Config,
	sink storage.Sink,
	brokerClient *broker.Client,
	registry *session.Registry,
	store *statestore.Store,
	collector *metrics.Collector,
	pool *worker.Pool,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sink:     sink,
		broker:   brokerClient,
		registry: registry,
		store:    store,
		metrics:  collector,
		pool:     pool,
		logger:   logger,
	}
}

// ProcessCallback validates and acts on a broker completion notification.
// In sync mode the transfer result determines the returned error; in
// background mode the transfer is queued and its outcome is observable only
// through logs and metrics.
func (o *Orchestrator) ProcessCallback(ctx context.Context, payload CallbackPayload, lookup FormDataLookup) (Outcome, error) {
	if payload.UploadID == "" {
		return Outcome{State: StateReceived}, fmt.Errorf("%w: uploadId is required", ErrInvalidPayload)
	}
	if payload.Status == "" {
		return Outcome{State: StateReceived}, fmt.Errorf("%w: status is required", ErrInvalidPayload)
	}

	logger := o.logger.With(zap.String("upload_id", payload.UploadID))

	if payload.Status != "completed" {
		// Scans still in progress or rejected by the broker are not this
		// orchestrator's concern.
		logger.Info("callback skipped", zap.String("broker_status", payload.Status))
		o.metrics.IncSkipped()
		return Outcome{State: StateSkipped, Message: fmt.Sprintf("no action for status %q", payload.Status)}, nil
	}

	var formData map[string]string
	if lookup != nil {
		fd, err := lookup(payload.UploadID)
		if err != nil {
			logger.Warn("form data lookup failed, continuing without", zap.Error(err))
		} else {
			formData = fd
		}
	}

	uploading := session.StatusUploading
	if _, err := o.registry.Update(payload.UploadID, session.UpdateFields{Status: &uploading}); err != nil {
		// The session may have been reaped; the transfer proceeds anyway.
		logger.Debug("no registry entry for callback", zap.Error(err))
	}

	if o.cfg.Mode == "background" {
		task := worker.Task{
			UploadID: payload.UploadID,
			Run: func(taskCtx context.Context) error {
				return o.transfer(taskCtx, payload, formData)
			},
		}
		if err := o.pool.Submit(task); err != nil {
			o.recordFailure(payload.UploadID, err, 0)
			return Outcome{State: StateFailed}, fmt.Errorf("failed to queue transfer: %w", err)
		}
		return Outcome{State: StateUploading, Message: "transfer scheduled"}, nil
	}

	if err := o.transfer(ctx, payload, formData); err != nil {
		return Outcome{State: StateFailed}, err
	}

	return Outcome{State: StateCompleted, Message: "file stored"}, nil
}

// transfer moves every staged file for the upload into durable storage and
// records the outcome in the registry, state store, and metrics.
func (o *Orchestrator) transfer(ctx context.Context, payload CallbackPayload, formData map[string]string) error {
	start := time.Now()
	logger := o.logger.With(zap.String("upload_id", payload.UploadID))

	status, err := o.broker.GetUploadStatus(ctx, payload.UploadID)
	if err != nil {
		o.recordFailure(payload.UploadID, err, time.Since(start))
		return err
	}
	if len(status.Files) == 0 {
		err := fmt.Errorf("broker reports no staged files for upload %s", payload.UploadID)
		o.recordFailure(payload.UploadID, err, time.Since(start))
		return err
	}

	var result storage.PutResult
	var totalBytes int64
	for _, file := range status.Files {
		res, err := o.transferFile(ctx, payload, file, formData)
		if err != nil {
			o.recordFailure(payload.UploadID, err, time.Since(start))
			return err
		}
		result = res
		totalBytes += res.Size
	}

	elapsed := time.Since(start)
	o.metrics.IncSuccess(totalBytes, elapsed)

	if _, err := o.registry.Complete(payload.UploadID, session.UploadResult{
		URL:  result.URL,
		ETag: result.ETag,
		Size: totalBytes,
	}); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Warn("failed to complete session", zap.Error(err))
	}

	if err := o.store.Update(RecordKey(payload.UploadID), map[string]interface{}{
		"status":       string(session.StatusCompleted),
		"result_url":   result.URL,
		"result_size":  totalBytes,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		logger.Warn("failed to persist completion", zap.Error(err))
	}

	logger.Info("transfer completed",
		zap.String("url", result.URL),
		zap.Int64("bytes", totalBytes),
		zap.Duration("duration", elapsed),
	)

	// The broker's staged copy is no longer needed. Best-effort.
	if _, err := o.broker.DeleteUpload(ctx, payload.UploadID); err != nil {
		logger.Warn("failed to delete staged upload from broker", zap.Error(err))
	}

	return nil
}

func (o *Orchestrator) transferFile(ctx context.Context, payload CallbackPayload, file broker.StatusFile, formData map[string]string) (storage.PutResult, error) {
	body, size, err := o.broker.FetchFile(ctx, file.DownloadURL)
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("failed to fetch staged file %q: %w", file.Name, err)
	}
	defer body.Close()

	if file.Size > 0 {
		size = file.Size
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := map[string]string{
		"upload-id":         payload.UploadID,
		"original-filename": file.Name,
	}
	if payload.RetrievalKey != "" {
		meta["retrieval-key"] = payload.RetrievalKey
	}
	for k, v := range formData {
		meta["form-"+k] = v
	}

	key := payload.UploadID + "/" + file.Name
	result, err := o.sink.Put(ctx, o.cfg.Container, key, body, size, storage.PutOptions{
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("failed to store file %q: %w", file.Name, err)
	}

	return result, nil
}

func (o *Orchestrator) recordFailure(uploadID string, cause error, elapsed time.Duration) {
	o.metrics.IncFailed(elapsed)
	o.registry.Fail(uploadID, cause)

	if err := o.store.Update(RecordKey(uploadID), map[string]interface{}{
		"status":     string(session.StatusFailed),
		"last_error": cause.Error(),
		"failed_at":  time.Now().UTC().Format(time.RFC3339),
	}); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		o.logger.Warn("failed to persist failure",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}

// Metrics returns aggregate counters plus backend sub-metrics
func (o *Orchestrator) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"transfers": o.metrics.Aggregates(),
		"store":     o.store.Stats(),
		"sessions":  o.registry.HealthSnapshot(),
		"mode":      o.cfg.Mode,
	}
}

// CheckHealth probes durable storage. When storage integration is disabled
// by configuration it reports healthy without probing.
func (o *Orchestrator) CheckHealth(ctx context.Context) storage.Health {
	if !o.cfg.StorageEnabled {
		return storage.Health{Healthy: true, Detail: "disabled"}
	}
	return o.sink.HealthProbe(ctx)
}

// RecordKey is the state-store key for an upload record
func RecordKey(uploadID string) string {
	return "upload:" + uploadID
}
