package metrics

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the aggregate counters
type Snapshot struct {
	TotalProcessed       int64   `json:"total_processed"`
	SuccessfulUploads    int64   `json:"successful_uploads"`
	FailedUploads        int64   `json:"failed_uploads"`
	AverageProcessingSec float64 `json:"average_processing_sec"`
	LastProcessedAt      string  `json:"last_processed_at,omitempty"`
}

// Aggregates tracks running transfer counters with an incremental mean of
// processing time. Updated on every terminal transfer, success or failure.
type Aggregates struct {
	mu             sync.Mutex
	totalProcessed int64
	successful     int64
	failed         int64
	avgProcessing  float64 // seconds, incremental mean
	lastProcessed  time.Time
}

// NewAggregates creates an empty aggregate tracker
func NewAggregates() *Aggregates {
	return &Aggregates{}
}

// AddSuccess records one successful transfer
func (a *Aggregates) AddSuccess(duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successful++
	a.record(duration)
}

// AddFailed records one failed transfer
func (a *Aggregates) AddFailed(duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failed++
	a.record(duration)
}

// record must be called with the lock held
func (a *Aggregates) record(duration time.Duration) {
	a.totalProcessed++
	a.avgProcessing += (duration.Seconds() - a.avgProcessing) / float64(a.totalProcessed)
	a.lastProcessed = time.Now()
}

// Snapshot returns a copy of the current counters
func (a *Aggregates) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TotalProcessed:       a.totalProcessed,
		SuccessfulUploads:    a.successful,
		FailedUploads:        a.failed,
		AverageProcessingSec: a.avgProcessing,
	}
	if !a.lastProcessed.IsZero() {
		s.LastProcessedAt = a.lastProcessed.UTC().Format(time.RFC3339)
	}
	return s
}
