package broker

import (
	"fmt"
	"strings"
)

// FileInfo describes a file offered for upload
type FileInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ValidationResult accumulates every violation found in a file descriptor
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	FileInfo FileInfo `json:"file_info"`
}

// ValidateFile checks a file descriptor against size and content-type
// limits. Pure function, no network calls. All violations are accumulated
// rather than short-circuiting on the first one. An empty allowedTypes list
// permits any content type; maxSize <= 0 disables the size ceiling.
func ValidateFile(file FileInfo, allowedTypes []string, maxSize int64) ValidationResult {
	var errs []string

	if file.Name == "" {
		errs = append(errs, "filename is required")
	}
	if file.Size <= 0 {
		errs = append(errs, "file size must be positive")
	}
	if file.ContentType == "" {
		errs = append(errs, "content type is required")
	}
	if maxSize > 0 && file.Size > maxSize {
		errs = append(errs, fmt.Sprintf("file size %d exceeds limit %d", file.Size, maxSize))
	}
	if len(allowedTypes) > 0 && file.ContentType != "" && !contains(allowedTypes, file.ContentType) {
		errs = append(errs, fmt.Sprintf("content type %q is not allowed", file.ContentType))
	}
	if strings.Contains(file.Name, "..") || strings.ContainsAny(file.Name, `/\`) {
		errs = append(errs, "filename contains path traversal characters")
	}

	return ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		FileInfo: file,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
