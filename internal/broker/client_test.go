package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(baseURL string, attempts int) *Client {
	return NewClient(Config{
		BaseURL:     baseURL,
		CallbackURL: "http://relay.local/callback",
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Timeout:     time.Second,
	}, zap.NewNop())
}

func TestInitiateUploadValidatesLocally(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3)

	_, err := client.InitiateUpload(context.Background(), InitiateRequest{RetrievalKey: "rk"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = client.InitiateUpload(context.Background(), InitiateRequest{FormPath: "/f"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Validation failures never reach the network
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestInitiateUploadRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uploadId":"u1","uploadUrl":"http://broker/upload/u1"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3)

	res, err := client.InitiateUpload(context.Background(), InitiateRequest{
		FormPath:     "/forms/claim",
		RetrievalKey: "rk-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", res.UploadID)
	assert.Equal(t, "http://broker/upload/u1", res.UploadURL)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInitiateUploadExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3)

	_, err := client.InitiateUpload(context.Background(), InitiateRequest{
		FormPath:     "/forms/claim",
		RetrievalKey: "rk-1",
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// The wrapped error carries the operation prefix and the final failure
	assert.Contains(t, err.Error(), "Upload initiation failed")
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestInitiateUploadAppliesDefaults(t *testing.T) {
	var received InitiateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, jsonDecode(r, &received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uploadId":"u1"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 1)

	_, err := client.InitiateUpload(context.Background(), InitiateRequest{
		FormPath:     "/f",
		RetrievalKey: "rk",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://relay.local/callback", received.CallbackURL)
	assert.NotNil(t, received.MimeTypes)
	assert.NotNil(t, received.Metadata)
}

func TestRetryHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:     srv.URL,
		CallbackURL: "http://relay.local/callback",
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
		Timeout:     time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.GetUploadStatus(ctx, "u1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	client := NewClient(Config{
		BaseURL:     "http://broker.local",
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	}, zap.NewNop())

	assert.Equal(t, time.Second, client.calculateBackoff(1))
	assert.Equal(t, 2*time.Second, client.calculateBackoff(2))
	assert.Equal(t, 4*time.Second, client.calculateBackoff(3))
	assert.Equal(t, 8*time.Second, client.calculateBackoff(4))
	assert.Equal(t, 10*time.Second, client.calculateBackoff(5))
	assert.Equal(t, 10*time.Second, client.calculateBackoff(10))
}

func TestGetUploadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/u1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uploadId":"u1","status":"completed","progress":100,"files":[{"name":"a.pdf","size":42,"contentType":"application/pdf","downloadUrl":"http://broker/dl/a"}]}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 1)

	status, err := client.GetUploadStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100, status.Progress)
	require.Len(t, status.Files, 1)
	assert.Equal(t, "a.pdf", status.Files[0].Name)
}

func TestDeleteUploadTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such upload", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3)

	res, err := client.DeleteUpload(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.DeletedAt)
}

func TestGetHealthInfoNeverErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"2.3.1"}`))
	}))

	client := newTestClient(srv.URL, 1)

	info := client.GetHealthInfo(context.Background())
	assert.True(t, info.Healthy)
	assert.Equal(t, "2.3.1", info.Version)
	assert.NotEmpty(t, info.ResponseTime)

	// A dead broker is captured in the result, not raised
	srv.Close()
	info = client.GetHealthInfo(context.Background())
	assert.False(t, info.Healthy)
	assert.NotEmpty(t, info.Error)
}

func jsonDecode(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
