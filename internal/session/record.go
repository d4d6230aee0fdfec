package session

import (
	"time"
)

// Status represents the lifecycle state of an upload session
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusUploading Status = "uploading"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// RecordError is one entry in a record's append-only error history
type RecordError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// UploadResult holds the destination of a completed upload
type UploadResult struct {
	URL  string `json:"url"`
	ETag string `json:"etag,omitempty"`
	Size int64  `json:"size"`
}

// Record represents one upload attempt tracked by the registry
type Record struct {
	UploadID     string            `json:"upload_id"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	CompletedAt  time.Time         `json:"completed_at,omitempty"`
	FailedAt     time.Time         `json:"failed_at,omitempty"`
	Progress     int               `json:"progress"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FormData     map[string]string `json:"form_data,omitempty"`
	Attempts     int               `json:"attempts"`
	Errors       []RecordError     `json:"errors,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Result       *UploadResult     `json:"result,omitempty"`
}

// clone returns a copy safe to hand outside the registry lock.
func (r *Record) clone() *Record {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.FormData != nil {
		cp.FormData = make(map[string]string, len(r.FormData))
		for k, v := range r.FormData {
			cp.FormData[k] = v
		}
	}
	if r.Errors != nil {
		cp.Errors = append([]RecordError(nil), r.Errors...)
	}
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

// UpdateFields is a partial update applied by Registry.Update.
// Nil pointers leave the corresponding field untouched.
type UpdateFields struct {
	Status   *Status
	Progress *int
	Metadata map[string]string
	FormData map[string]string
}
