package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"uploadrelay/internal/broker"
	"uploadrelay/internal/config"
	"uploadrelay/internal/metrics"
	"uploadrelay/internal/orchestrator"
	"uploadrelay/internal/session"
	"uploadrelay/internal/statestore"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server is the HTTP facade over the upload orchestration core
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	store     *statestore.Store
	broker    *broker.Client
	orch      *orchestrator.Orchestrator
	collector *metrics.Collector
	logger    *zap.Logger
}

// New creates the HTTP server facade
func New(
	cfg *config.Config,
	registry *session.Registry,
	store *statestore.Store,
	brokerClient *broker.Client,
	orch *orchestrator.Orchestrator,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		broker:    brokerClient,
		orch:      orch,
		collector: collector,
		logger:    logger,
	}
}

// Router builds the chi router with all routes and middleware
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Post("/upload", s.handleUpload(false))
	r.Post("/upload/form", s.handleUpload(true))
	r.Delete("/upload/{uploadID}", s.handleDelete)
	r.Post("/callback", s.handleCallback)
	r.Get("/status/{uploadID}", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.collector.Handler())

	return r
}

type uploadResponse struct {
	UploadID  string `json:"upload_id"`
	UploadURL string `json:"upload_url"`
	Status    string `json:"status"`
}

// handleUpload admits a new upload: validates the offered file, requests a
// slot from the broker, and registers the session. The file bytes
// themselves flow from the client to the broker's upload URL, not through
// this service. The form variant additionally persists caller-supplied
// fields for downstream submission.
func (s *Server) handleUpload(withFormData bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			respondError(w, http.StatusBadRequest, "malformed multipart request")
			return
		}

		_, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "file part is required")
			return
		}

		info := broker.FileInfo{
			Name:        header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
		}
		if v := broker.ValidateFile(info, s.cfg.Upload.AllowedTypes, s.cfg.Upload.MaxFileSize); !v.Valid {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"errors":  v.Errors,
			})
			return
		}

		// Cheap local check before spending a broker round trip. The
		// registry re-checks authoritatively at Create.
		if s.registry.ActiveCount() >= s.cfg.Sessions.MaxConcurrent {
			respondError(w, http.StatusTooManyRequests, "maximum concurrent uploads reached")
			return
		}

		formPath := r.FormValue("formPath")
		if formPath == "" {
			formPath = r.URL.Path
		}
		retrievalKey := uuid.NewString()

		res, err := s.broker.InitiateUpload(r.Context(), broker.InitiateRequest{
			FormPath:     formPath,
			RetrievalKey: retrievalKey,
			MimeTypes:    s.cfg.Upload.AllowedTypes,
			Metadata: map[string]string{
				"filename":     info.Name,
				"content_type": info.ContentType,
			},
			MaxFileSize: s.cfg.Upload.MaxFileSize,
		})
		if err != nil {
			s.logger.Error("broker initiation failed", zap.Error(err))
			respondError(w, http.StatusBadGateway, "upload broker is unavailable")
			return
		}

		metadata := map[string]string{
			"filename":      info.Name,
			"content_type":  info.ContentType,
			"size":          strconv.FormatInt(header.Size, 10),
			"retrieval_key": retrievalKey,
		}

		rec, err := s.registry.Create(res.UploadID, metadata)
		if err != nil {
			if errors.Is(err, session.ErrCapacityExceeded) {
				// Give the slot back; broker deletion is idempotent.
				if _, delErr := s.broker.DeleteUpload(r.Context(), res.UploadID); delErr != nil {
					s.logger.Warn("failed to release broker slot", zap.Error(delErr))
				}
				respondError(w, http.StatusTooManyRequests, "maximum concurrent uploads reached")
				return
			}
			s.logger.Error("session creation failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		record := map[string]interface{}{
			"upload_id":  rec.UploadID,
			"status":     string(rec.Status),
			"metadata":   metadata,
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		}

		if withFormData {
			formData := make(map[string]string)
			for key, values := range r.MultipartForm.Value {
				if key == "formPath" || len(values) == 0 {
					continue
				}
				formData[key] = values[0]
			}
			if len(formData) > 0 {
				if _, err := s.registry.Update(rec.UploadID, session.UpdateFields{FormData: formData}); err != nil {
					s.logger.Warn("failed to attach form data", zap.Error(err))
				}
				record["form_data"] = formData
			}
		}

		if err := s.store.Set(orchestrator.RecordKey(rec.UploadID), record, 0); err != nil {
			s.logger.Warn("failed to persist upload record", zap.Error(err))
		}

		s.collector.SetActiveSessions(s.registry.ActiveCount())

		respondCreated(w, uploadResponse{
			UploadID:  rec.UploadID,
			UploadURL: res.UploadURL,
			Status:    string(rec.Status),
		})
	}
}

// handleCallback accepts completion notifications from the broker
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var payload orchestrator.CallbackPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "malformed callback payload",
		})
		return
	}

	outcome, err := s.orch.ProcessCallback(r.Context(), payload, s.lookupFormData)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidPayload) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"message": err.Error(),
			})
			return
		}
		// Details are logged by the orchestrator; the broker only needs to
		// know processing failed.
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "callback processing failed",
		})
		return
	}

	s.collector.SetActiveSessions(s.registry.ActiveCount())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": outcome.Message,
		"state":   outcome.State,
	})
}

// handleStatus serves the current upload record projection for polling
// clients. Falls back to the state store for records already evicted from
// the registry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	rec, err := s.registry.Get(uploadID)
	if err == nil {
		respondOK(w, rec)
		return
	}

	stored, storeErr := s.store.Get(orchestrator.RecordKey(uploadID))
	if storeErr == nil && stored != nil {
		respondOK(w, stored)
		return
	}

	respondError(w, http.StatusNotFound, "upload not found")
}

// handleDelete removes an upload from the broker and local state
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	res, err := s.broker.DeleteUpload(r.Context(), uploadID)
	if err != nil {
		s.logger.Error("broker deletion failed", zap.String("upload_id", uploadID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "upload broker is unavailable")
		return
	}

	s.registry.Delete(uploadID)
	if _, err := s.store.Delete(orchestrator.RecordKey(uploadID)); err != nil {
		s.logger.Warn("failed to delete upload record", zap.Error(err))
	}

	respondOK(w, res)
}

// handleHealth serves the aggregated health document
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageHealth := s.orch.CheckHealth(r.Context())
	brokerHealth := s.broker.GetHealthInfo(r.Context())

	status := "ok"
	if !storageHealth.Healthy {
		status = "degraded"
	}

	respondOK(w, map[string]interface{}{
		"status":   status,
		"storage":  storageHealth,
		"broker":   brokerHealth,
		"sessions": s.registry.HealthSnapshot(),
		"store":    s.store.Stats(),
	})
}

// handleStats serves aggregate transfer counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.orch.Metrics())
}

// lookupFormData resolves persisted form fields for an upload from the
// state store
func (s *Server) lookupFormData(uploadID string) (map[string]string, error) {
	record, err := s.store.Get(orchestrator.RecordKey(uploadID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	raw, ok := record["form_data"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	formData := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			formData[k] = str
		}
	}
	return formData, nil
}
