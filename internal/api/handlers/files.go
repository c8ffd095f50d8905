package handlers

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/api/middleware"
	"github.com/curebird/curebird/internal/attachment"
)

// FileHandler uploads and serves record attachments.
type FileHandler struct {
	uploader *attachment.Uploader
	blobs    attachment.BlobStore
	logger   *zap.Logger
}

// NewFileHandler creates a new handler
func NewFileHandler(uploader *attachment.Uploader, blobs attachment.BlobStore, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{uploader: uploader, blobs: blobs, logger: logger}
}

// Upload handles POST /files, a multipart form with a "file" part. It
// requires a session.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, attachment.MaxBlobSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	att, err := h.uploader.Upload(r.Context(), middleware.GetUserID(r.Context()),
		header.Filename, header.Header.Get("Content-Type"), header.Size, file, nil)
	if err != nil {
		h.logger.Warn("upload rejected", zap.String("file", header.Filename), zap.Error(err))
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// Download handles GET /files/{id}. Blob ids are random, so the URL itself
// is the capability.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	body, meta, err := h.blobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	defer body.Close()

	ct := meta.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.FileName}))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("download interrupted", zap.String("id", meta.ID), zap.Error(err))
	}
}
