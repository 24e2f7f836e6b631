// internal/api/handlers.go
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"themesync/client"
	apperrors "themesync/internal/errors"
	"themesync/internal/logging"
	"themesync/internal/middleware"
	"themesync/internal/validation"
	"themesync/shared/types"

	"go.uber.org/zap"
)

type FileHandler struct {
	repo   *Repository
	logger *logging.Logger
}

func NewFileHandler(repo *Repository, logger *logging.Logger) *FileHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileHandler{repo: repo, logger: logger}
}

// NewRouter mounts every backend route. Uploads authorize through their
// signed URL; everything else needs a bearer token.
func NewRouter(h *FileHandler, tokens map[string]string) http.Handler {
	auth := middleware.Auth(tokens)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", Health)
	mux.Handle("GET /remote-version", auth(http.HandlerFunc(h.RemoteVersions)))
	for _, cat := range shared.Categories() {
		mux.Handle("POST /"+string(cat)+"/initUpload", auth(h.InitUpload(cat)))
		mux.Handle("POST /"+string(cat), auth(h.Create(cat)))
		mux.Handle("DELETE /"+string(cat)+"/{id}", auth(h.Delete(cat)))
	}
	mux.Handle("POST /push/{id}", auth(http.HandlerFunc(h.Push)))
	mux.HandleFunc("PUT /upload/{fileId}", h.Upload)
	mux.Handle("GET /content/{versionId}", auth(http.HandlerFunc(h.Content)))

	return middleware.Chain(
		mux,
		middleware.Recover(h.logger),
		middleware.Logger(h.logger),
		middleware.RequestID,
	)
}

func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *FileHandler) RemoteVersions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.repo.Snapshot(middleware.Owner(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, snap)
}

func (h *FileHandler) InitUpload(cat shared.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.InitUploadRequest
		if !decode(w, r, &req) {
			return
		}
		ep, err := h.repo.InitUpload(middleware.Owner(r.Context()), cat, req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]any{"endpoint": ep})
	}
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.repo.MaxUploadBytes())
	content, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, apperrors.ValidationError("upload too large", nil))
			return
		}
		h.fail(w, r, apperrors.ValidationError("reading upload body", nil))
		return
	}
	if err := h.repo.CompleteUpload(r.PathValue("fileId"), content); err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

func (h *FileHandler) Create(cat shared.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.CreateFileRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := h.repo.CreateFile(middleware.Owner(r.Context()), cat, req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, resp)
	}
}

func (h *FileHandler) Push(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req client.UpdateFileRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.repo.PushFile(middleware.Owner(r.Context()), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *FileHandler) Content(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "versionId")
	if !ok {
		return
	}
	content, mime, err := h.repo.Content(middleware.Owner(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (h *FileHandler) Delete(cat shared.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := h.repo.DeleteFile(middleware.Owner(r.Context()), cat, id); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *FileHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeValidation, apperrors.ErrorTypeConflict, apperrors.ErrorTypeUnauthorized:
		h.logger.WithRequestID(r.Context()).Debug("request rejected", zap.Error(err))
	default:
		h.logger.WithRequestID(r.Context()).Error("request failed", zap.Error(err))
	}
	middleware.WriteError(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := validation.Decode(r, v); err != nil {
		middleware.WriteError(w, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, apperrors.ValidationError("invalid "+name, nil))
		return 0, false
	}
	return id, true
}
