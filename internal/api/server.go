// Package api exposes the admission HTTP endpoints consumed by sync clients:
// v0 file uploads, vN change payloads, deletions, status polling, and the
// file-index snapshot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/admission"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/repository"
	"github.com/driftsync/driftsync/internal/signing"
)

// Server exposes the admission API.
type Server struct {
	cfg       *config.Config
	admission *admission.Service
	finisher  *admission.Finisher
	signer    *signing.Signer
	registry  *prometheus.Registry
	log       zerolog.Logger
	server    *http.Server
	once      sync.Once
}

// New constructs a Server. registry may be nil to disable /metrics.
func New(cfg *config.Config, svc *admission.Service, finisher *admission.Finisher,
	signer *signing.Signer, registry *prometheus.Registry, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		admission: svc,
		finisher:  finisher,
		signer:    signer,
		registry:  registry,
		log:       log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		if s.registry != nil {
			mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
		api := http.NewServeMux()
		api.HandleFunc("/v1/files", s.handleFiles)
		api.HandleFunc("/v1/files/", s.handleFileRoute)
		api.HandleFunc("/v1/deletions", s.handleDeletions)
		api.HandleFunc("/v1/deferred/", s.handleDeferredStatus)
		api.HandleFunc("/v1/index", s.handleIndex)
		mux.Handle("/v1/", authMiddleware(s.cfg.JWTSecret, api))
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.loggingMiddleware(mux),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFiles admits v0 full-file uploads posted as multipart forms.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+64*1024)
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		http.Error(w, "expecting multipart form within size limit", http.StatusBadRequest)
		return
	}
	masterVersion, err := strconv.ParseInt(r.FormValue("masterVersion"), 10, 64)
	if err != nil {
		http.Error(w, "invalid masterVersion", http.StatusBadRequest)
		return
	}
	mimeType := r.FormValue("mimeType")
	if !s.mimeAllowed(mimeType) {
		http.Error(w, "mime type not allowed", http.StatusUnsupportedMediaType)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read file", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}

	req := admission.UploadFileRequest{
		UserID:           callerUserID(ctx),
		DeviceUUID:       callerDeviceUUID(ctx),
		SharingGroupUUID: r.FormValue("sharingGroupUUID"),
		FileUUID:         r.FormValue("fileUUID"),
		FileGroupUUID:    optionalForm(r, "fileGroupUUID"),
		MasterVersion:    masterVersion,
		MimeType:         mimeType,
		CloudFolderName:  r.FormValue("cloudFolderName"),
		CloudFileName:    r.FormValue("cloudFileName"),
		Data:             data,
	}
	req.ChangeResolverName = optionalForm(r, "changeResolver")
	if req.SharingGroupUUID == "" || req.FileUUID == "" || req.CloudFileName == "" {
		http.Error(w, "sharingGroupUUID, fileUUID and cloudFileName are required", http.StatusBadRequest)
		return
	}

	result, err := s.admission.UploadFile(ctx, req)
	if err != nil {
		s.respondAdmissionError(w, err)
		return
	}
	if result.VersionConflict {
		respondJSON(w, http.StatusConflict, map[string]any{
			"versionConflict": true,
			"masterVersion":   result.CurrentMasterVersion,
		})
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"duplicate": result.Duplicate,
		"file":      result.File,
	})
}

// handleFileRoute dispatches /v1/files/{fileUUID}/changes.
func (s *Server) handleFileRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "changes" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleChange(w, r, parts[0])
}

type changeRequest struct {
	SharingGroupUUID string `json:"sharingGroupUUID"`
	MasterVersion    int64  `json:"masterVersion"`
	UploadIndex      int32  `json:"uploadIndex"`
	UploadCount      int32  `json:"uploadCount"`
	// Payload is base64 in the JSON encoding.
	Payload []byte `json:"payload"`
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request, fileUUID string) {
	ctx := r.Context()
	var body changeRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SharingGroupUUID == "" || len(body.Payload) == 0 {
		http.Error(w, "sharingGroupUUID and payload are required", http.StatusBadRequest)
		return
	}
	if body.UploadIndex < 1 || body.UploadCount < 1 || body.UploadIndex > body.UploadCount {
		http.Error(w, "invalid uploadIndex/uploadCount", http.StatusBadRequest)
		return
	}

	result, err := s.admission.UploadChange(ctx, admission.UploadChangeRequest{
		UserID:           callerUserID(ctx),
		DeviceUUID:       callerDeviceUUID(ctx),
		SharingGroupUUID: body.SharingGroupUUID,
		FileUUID:         fileUUID,
		MasterVersion:    body.MasterVersion,
		UploadIndex:      body.UploadIndex,
		UploadCount:      body.UploadCount,
		Payload:          body.Payload,
	})
	if err != nil {
		s.respondAdmissionError(w, err)
		return
	}
	if result.VersionConflict {
		respondJSON(w, http.StatusConflict, map[string]any{
			"versionConflict": true,
			"masterVersion":   result.CurrentMasterVersion,
		})
		return
	}

	resp := map[string]any{
		"duplicate":        result.Duplicate,
		"deferredUploadId": result.DeferredUploadID,
	}
	// Only the final payload of the batch triggers application.
	if body.UploadIndex == body.UploadCount {
		disposition := s.finisher.Finish(ctx, body.SharingGroupUUID, result.DeferredUploadID)
		resp["disposition"] = disposition
		s.attachPollToken(resp, result.DeferredUploadID)
	}
	respondJSON(w, http.StatusAccepted, resp)
}

type deletionRequest struct {
	SharingGroupUUID string `json:"sharingGroupUUID"`
	MasterVersion    int64  `json:"masterVersion"`
	FileUUID         string `json:"fileUUID,omitempty"`
	FileGroupUUID    string `json:"fileGroupUUID,omitempty"`
}

func (s *Server) handleDeletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	var body deletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SharingGroupUUID == "" {
		http.Error(w, "sharingGroupUUID is required", http.StatusBadRequest)
		return
	}
	if (body.FileUUID == "") == (body.FileGroupUUID == "") {
		http.Error(w, "exactly one of fileUUID or fileGroupUUID is required", http.StatusBadRequest)
		return
	}

	result, err := s.admission.UploadDeletion(ctx, admission.UploadDeletionRequest{
		UserID:           callerUserID(ctx),
		DeviceUUID:       callerDeviceUUID(ctx),
		SharingGroupUUID: body.SharingGroupUUID,
		MasterVersion:    body.MasterVersion,
		Deletions: model.DeletionsType{
			FileUUID:      body.FileUUID,
			FileGroupUUID: body.FileGroupUUID,
		},
	})
	if err != nil {
		s.respondAdmissionError(w, err)
		return
	}
	if result.VersionConflict {
		respondJSON(w, http.StatusConflict, map[string]any{
			"versionConflict": true,
			"masterVersion":   result.CurrentMasterVersion,
		})
		return
	}

	disposition := s.finisher.Finish(ctx, body.SharingGroupUUID, result.DeferredUploadID)
	resp := map[string]any{
		"duplicate":        result.Duplicate,
		"deferredUploadId": result.DeferredUploadID,
		"numberFiles":      result.NumberFiles,
		"disposition":      disposition,
	}
	s.attachPollToken(resp, result.DeferredUploadID)
	respondJSON(w, http.StatusAccepted, resp)
}

// handleDeferredStatus answers poll requests signed with the token issued at
// admission time. The signature check rejects guessed ids before any
// database work.
func (s *Server) handleDeferredStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/deferred/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid deferred upload id", http.StatusBadRequest)
		return
	}
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	if !s.signer.Validate(id, expires, sig, time.Now()) {
		http.Error(w, "invalid or expired poll token", http.StatusForbidden)
		return
	}
	status, err := s.finisher.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "unknown deferred upload", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Int64("deferred_id", id).Msg("status lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deferredUploadId": id,
		"status":           status,
		"done":             !status.Active(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sharingGroupUUID := r.URL.Query().Get("sharingGroup")
	if sharingGroupUUID == "" {
		http.Error(w, "sharingGroup is required", http.StatusBadRequest)
		return
	}
	result, err := s.admission.Index(r.Context(), callerUserID(r.Context()), sharingGroupUUID)
	if err != nil {
		s.respondAdmissionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// attachPollToken adds the signed status-poll parameters to a response.
func (s *Server) attachPollToken(resp map[string]any, deferredID int64) {
	expires := time.Now().Add(s.cfg.PollTokenTTL).Unix()
	resp["pollExpires"] = expires
	resp["pollSignature"] = s.signer.Sign(deferredID, expires)
}

// respondAdmissionError maps admission sentinels onto HTTP statuses.
func (s *Server) respondAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, admission.ErrUnknownGroup),
		errors.Is(err, admission.ErrUnknownFile),
		errors.Is(err, admission.ErrUnknownFileGroup):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, admission.ErrFileGone):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, admission.ErrPendingDeletion),
		errors.Is(err, admission.ErrBatchConflict),
		errors.Is(err, admission.ErrPayloadMismatch),
		errors.Is(err, admission.ErrMimeMismatch),
		errors.Is(err, repository.ErrLockHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, admission.ErrGroupScopedFile),
		errors.Is(err, admission.ErrNoResolver):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("admission request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) mimeAllowed(mimeType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

func optionalForm(r *http.Request, key string) *string {
	if v := r.FormValue(key); v != "" {
		return &v
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
