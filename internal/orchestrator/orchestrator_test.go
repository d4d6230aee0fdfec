package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"uploadrelay/internal/broker"
	"uploadrelay/internal/metrics"
	"uploadrelay/internal/session"
	"uploadrelay/internal/statestore"
	"uploadrelay/internal/storage"
	"uploadrelay/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSink records puts and can be told to fail
type fakeSink struct {
	mu      sync.Mutex
	puts    []fakePut
	failPut error
}

type fakePut struct {
	container string
	name      string
	data      []byte
	opts      storage.PutOptions
}

func (f *fakeSink) Put(ctx context.Context, container, name string, reader io.Reader, size int64, opts storage.PutOptions) (storage.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return storage.PutResult{}, f.failPut
	}
	data, _ := io.ReadAll(reader)
	f.puts = append(f.puts, fakePut{container: container, name: name, data: data, opts: opts})
	return storage.PutResult{
		URL:  "http://store/" + container + "/" + name,
		ETag: "etag-1",
		Size: int64(len(data)),
	}, nil
}

func (f *fakeSink) EnsureContainer(ctx context.Context, name string) error { return nil }

func (f *fakeSink) HealthProbe(ctx context.Context) storage.Health {
	return storage.Health{Healthy: true, Detail: "ok"}
}

func (f *fakeSink) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

// fakeBroker serves status, download, and delete endpoints
func fakeBroker(t *testing.T, statusCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		if statusCalls != nil {
			atomic.AddInt32(statusCalls, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uploadId":"u1","status":"completed","progress":100,"files":[{"name":"claim.pdf","size":11,"contentType":"application/pdf","downloadUrl":"` + srv.URL + `/dl/claim.pdf"}]}`))
	})
	mux.HandleFunc("/dl/claim.pdf", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pdf-content"))
	})
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"deletedAt":"2026-01-01T00:00:00Z"}`))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	orch      *Orchestrator
	sink      *fakeSink
	registry  *session.Registry
	store     *statestore.Store
	collector *metrics.Collector
	pool      *worker.Pool
}

func newTestEnv(t *testing.T, mode string, brokerURL string, sink *fakeSink) *testEnv {
	t.Helper()

	backend, err := statestore.NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	store := statestore.New(backend, time.Hour, zap.NewNop())
	t.Cleanup(func() { store.Close() })

	registry := session.NewRegistry(session.Options{MaxConcurrent: 10}, zap.NewNop())
	t.Cleanup(registry.Close)

	client := broker.NewClient(broker.Config{
		BaseURL:     brokerURL,
		CallbackURL: "http://relay.local/callback",
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		Timeout:     time.Second,
	}, zap.NewNop())

	collector := metrics.New()
	pool := worker.NewPool(2, 8, zap.NewNop())
	pool.Start(context.Background())
	t.Cleanup(pool.Close)

	orch := New(Config{
		Mode:           mode,
		Container:      "uploads",
		StorageEnabled: true,
	}, sink, client, registry, store, collector, pool, zap.NewNop())

	return &testEnv{orch: orch, sink: sink, registry: registry, store: store, collector: collector, pool: pool}
}

func TestProcessCallbackRejectsMalformedPayload(t *testing.T) {
	var statusCalls int32
	srv := fakeBroker(t, &statusCalls)
	env := newTestEnv(t, "sync", srv.URL, &fakeSink{})

	_, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{Status: "completed"}, nil)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = env.orch.ProcessCallback(context.Background(), CallbackPayload{UploadID: "u1"}, nil)
	require.ErrorIs(t, err, ErrInvalidPayload)

	// Rejected before any transfer work
	assert.Zero(t, atomic.LoadInt32(&statusCalls))
	assert.Zero(t, env.sink.putCount())
}

func TestProcessCallbackSkipsNonCompletedStatus(t *testing.T) {
	srv := fakeBroker(t, nil)
	env := newTestEnv(t, "sync", srv.URL, &fakeSink{})

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "scanning",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, outcome.State)
	assert.Zero(t, env.sink.putCount())
}

func TestProcessCallbackSyncSuccess(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{}
	env := newTestEnv(t, "sync", srv.URL, sink)

	_, err := env.registry.Create("u1", map[string]string{"filename": "claim.pdf"})
	require.NoError(t, err)
	require.NoError(t, env.store.Set(RecordKey("u1"), map[string]interface{}{
		"upload_id": "u1",
		"status":    "active",
	}, 0))

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "completed",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)

	require.Equal(t, 1, sink.putCount())
	assert.Equal(t, "uploads", sink.puts[0].container)
	assert.Equal(t, "u1/claim.pdf", sink.puts[0].name)
	assert.Equal(t, []byte("pdf-content"), sink.puts[0].data)
	assert.Equal(t, "application/pdf", sink.puts[0].opts.ContentType)

	rec, err := env.registry.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "http://store/uploads/u1/claim.pdf", rec.Result.URL)

	stored, err := env.store.Get(RecordKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, "completed", stored["status"])

	agg := env.collector.Aggregates()
	assert.Equal(t, int64(1), agg.TotalProcessed)
	assert.Equal(t, int64(1), agg.SuccessfulUploads)
	assert.Zero(t, agg.FailedUploads)
}

func TestProcessCallbackSyncFailureSurfaces(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{failPut: errors.New("bucket rejected write")}
	env := newTestEnv(t, "sync", srv.URL, sink)

	_, err := env.registry.Create("u1", nil)
	require.NoError(t, err)

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "completed",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)

	rec, getErr := env.registry.Get("u1")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Errors)

	agg := env.collector.Aggregates()
	assert.Equal(t, int64(1), agg.FailedUploads)
}

func TestProcessCallbackBackgroundMode(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{}
	env := newTestEnv(t, "background", srv.URL, sink)

	_, err := env.registry.Create("u1", nil)
	require.NoError(t, err)

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "completed",
	}, nil)
	require.NoError(t, err)
	// The handler responds before the transfer runs
	assert.Equal(t, StateUploading, outcome.State)

	assert.Eventually(t, func() bool {
		return env.collector.Aggregates().SuccessfulUploads == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.putCount())
}

func TestBackgroundFailureObservableOnlyInMetrics(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{failPut: errors.New("bucket rejected write")}
	env := newTestEnv(t, "background", srv.URL, sink)

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "completed",
	}, nil)
	// The already-sent success response is unaffected by the later failure
	require.NoError(t, err)
	assert.Equal(t, StateUploading, outcome.State)

	assert.Eventually(t, func() bool {
		return env.collector.Aggregates().FailedUploads == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFormDataLookupFailureIsNotFatal(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{}
	env := newTestEnv(t, "sync", srv.URL, sink)

	lookup := func(uploadID string) (map[string]string, error) {
		return nil, errors.New("store unavailable")
	}

	outcome, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID: "u1",
		Status:   "completed",
	}, lookup)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
}

func TestFormDataFlowsIntoObjectMetadata(t *testing.T) {
	srv := fakeBroker(t, nil)
	sink := &fakeSink{}
	env := newTestEnv(t, "sync", srv.URL, sink)

	lookup := func(uploadID string) (map[string]string, error) {
		return map[string]string{"case_number": "C-42"}, nil
	}

	_, err := env.orch.ProcessCallback(context.Background(), CallbackPayload{
		UploadID:     "u1",
		Status:       "completed",
		RetrievalKey: "rk-1",
	}, lookup)
	require.NoError(t, err)

	require.Equal(t, 1, sink.putCount())
	assert.Equal(t, "C-42", sink.puts[0].opts.Metadata["form-case_number"])
	assert.Equal(t, "rk-1", sink.puts[0].opts.Metadata["retrieval-key"])
}

func TestCheckHealthWhenStorageDisabled(t *testing.T) {
	orch := New(Config{Mode: "sync", StorageEnabled: false}, nil, nil, nil, nil, nil, nil, zap.NewNop())

	health := orch.CheckHealth(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, "disabled", health.Detail)
}

func TestMetricsDocument(t *testing.T) {
	srv := fakeBroker(t, nil)
	env := newTestEnv(t, "sync", srv.URL, &fakeSink{})

	doc := env.orch.Metrics()
	assert.Contains(t, doc, "transfers")
	assert.Contains(t, doc, "store")
	assert.Contains(t, doc, "sessions")
	assert.Equal(t, "sync", doc["mode"])
}
