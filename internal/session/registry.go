package session

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrCapacityExceeded is returned when the active-upload ceiling is hit
	ErrCapacityExceeded = errors.New("maximum concurrent uploads reached")
	// ErrNotFound is returned when no record exists for an upload ID
	ErrNotFound = errors.New("upload session not found")
)

// Options configures a Registry
type Options struct {
	MaxConcurrent int           // admission ceiling for active records
	GraceWindow   time.Duration // delay before a completed record is deleted
	ReapInterval  time.Duration // how often the reaper scans
	TTL           time.Duration // max age/inactivity before a record is reaped
}

// Registry tracks active upload sessions in memory and enforces the
// concurrency ceiling. All mutation goes through a single mutex, which is
// what makes the check-then-insert admission control safe.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    Options
	logger  *zap.Logger

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// HealthStats is a side-effect-free snapshot of registry state
type HealthStats struct {
	StatusCounts  map[Status]int `json:"status_counts"`
	TotalSessions int            `json:"total_sessions"`
	AverageAgeSec float64        `json:"average_age_sec"`
	HeapAllocMB   float64        `json:"heap_alloc_mb"`
	NumGoroutine  int            `json:"num_goroutine"`
}

// NewRegistry creates a registry and starts its reaper goroutine
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 5 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}

	r := &Registry{
		records:    make(map[string]*Record),
		opts:       opts,
		logger:     logger,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	go r.reapLoop()

	return r
}

// Create admits a new upload session. Returns ErrCapacityExceeded when the
// count of active records is at the ceiling. An empty uploadID gets a
// generated one.
func (r *Registry) Create(uploadID string, metadata map[string]string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, rec := range r.records {
		if rec.Status == StatusActive {
			active++
		}
	}
	if active >= r.opts.MaxConcurrent {
		return nil, ErrCapacityExceeded
	}

	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	now := time.Now()
	rec := &Record{
		UploadID:     uploadID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		Progress:     0,
		Metadata:     metadata,
		Attempts:     0,
	}
	r.records[uploadID] = rec

	r.logger.Info("upload session created",
		zap.String("upload_id", uploadID),
		zap.Int("active_sessions", active+1),
	)

	return rec.clone(), nil
}

// Get returns a snapshot of the record, or ErrNotFound
func (r *Registry) Get(uploadID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Update merges the given fields into an existing record and refreshes
// LastActivity. Progress never decreases while the record is active or
// uploading.
func (r *Registry) Update(uploadID string, fields UpdateFields) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uploadID]
	if !ok {
		return nil, ErrNotFound
	}

	if fields.Status != nil {
		rec.Status = *fields.Status
	}
	if fields.Progress != nil {
		p := *fields.Progress
		if p > 100 {
			p = 100
		}
		if (rec.Status == StatusActive || rec.Status == StatusUploading) && p < rec.Progress {
			p = rec.Progress
		}
		rec.Progress = p
	}
	for k, v := range fields.Metadata {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata[k] = v
	}
	for k, v := range fields.FormData {
		if rec.FormData == nil {
			rec.FormData = make(map[string]string)
		}
		rec.FormData[k] = v
	}
	rec.LastActivity = time.Now()

	return rec.clone(), nil
}

// Complete marks the record completed and schedules its deletion after the
// grace window without blocking the caller.
func (r *Registry) Complete(uploadID string, result UploadResult) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uploadID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	rec.Status = StatusCompleted
	rec.Progress = 100
	rec.CompletedAt = now
	rec.LastActivity = now
	rec.Result = &result

	time.AfterFunc(r.opts.GraceWindow, func() {
		r.delete(uploadID)
	})

	r.logger.Info("upload session completed",
		zap.String("upload_id", uploadID),
		zap.String("url", result.URL),
		zap.Int64("size", result.Size),
	)

	return rec.clone(), nil
}

// Fail records a failure. Missing records are ignored so that late or
// duplicate failure reports never raise.
func (r *Registry) Fail(uploadID string, failure error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uploadID]
	if !ok {
		return
	}

	now := time.Now()
	msg := failure.Error()
	rec.Errors = append(rec.Errors, RecordError{Timestamp: now, Message: msg})
	rec.Status = StatusFailed
	rec.FailedAt = now
	rec.LastActivity = now
	rec.LastError = msg

	r.logger.Warn("upload session failed",
		zap.String("upload_id", uploadID),
		zap.String("error", msg),
	)
}

// Delete removes a record immediately, reporting whether it existed
func (r *Registry) Delete(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.records[uploadID]
	delete(r.records, uploadID)
	return existed
}

// IncrementAttempts bumps the retry counter. No-op when the record is missing.
func (r *Registry) IncrementAttempts(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uploadID]
	if !ok {
		return
	}
	rec.Attempts++
	rec.LastActivity = time.Now()
}

// ActiveCount returns the number of records currently in active status
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusActive {
			n++
		}
	}
	return n
}

// HealthSnapshot returns per-status counts, average record age, and process
// memory figures
func (r *Registry) HealthSnapshot() HealthStats {
	r.mu.Lock()

	counts := make(map[Status]int)
	var totalAge time.Duration
	now := time.Now()
	for _, rec := range r.records {
		counts[rec.Status]++
		totalAge += now.Sub(rec.CreatedAt)
	}
	total := len(r.records)
	r.mu.Unlock()

	var avgAge float64
	if total > 0 {
		avgAge = (totalAge / time.Duration(total)).Seconds()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return HealthStats{
		StatusCounts:  counts,
		TotalSessions: total,
		AverageAgeSec: avgAge,
		HeapAllocMB:   float64(mem.HeapAlloc) / (1024 * 1024),
		NumGoroutine:  runtime.NumGoroutine(),
	}
}

// Close stops the reaper goroutine
func (r *Registry) Close() {
	close(r.stopReaper)
	<-r.reaperDone
}

func (r *Registry) delete(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, uploadID)
}

func (r *Registry) reapLoop() {
	defer close(r.reaperDone)

	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.stopReaper:
			return
		}
	}
}

// reap deletes records whose age or inactivity exceeds the TTL, regardless
// of status.
func (r *Registry) reap() {
	r.mu.Lock()

	now := time.Now()
	var reaped []string
	for id, rec := range r.records {
		if now.Sub(rec.CreatedAt) > r.opts.TTL || now.Sub(rec.LastActivity) > r.opts.TTL {
			delete(r.records, id)
			reaped = append(reaped, id)
		}
	}
	r.mu.Unlock()

	if len(reaped) > 0 {
		r.logger.Info("reaped stale upload sessions", zap.Int("count", len(reaped)))
	}
}
