package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/channel"
	"github.com/mikeyg42/edgeanalytics/internal/crypto"
	"github.com/mikeyg42/edgeanalytics/internal/detection"
	"github.com/mikeyg42/edgeanalytics/internal/pipeline"
	"github.com/mikeyg42/edgeanalytics/internal/video"
)

const (
	uploadField       = "file"
	defaultMaxUpload  = 512 << 20
	multipartMemLimit = 32 << 20
)

type uploadHandler struct {
	proc      Processor
	publisher Publisher
	tmpDir    string
	maxBytes  int64
	logger    *zap.Logger
}

// ServeHTTP accepts a video in multipart field "file", runs it through the
// pipeline and responds with the annotated video.
func (h *uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.maxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", maxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing form field %q", uploadField))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !video.IsVideoFile(name) {
		writeError(w, http.StatusUnsupportedMediaType, "only .mp4 and .webm uploads are accepted")
		return
	}

	if err := os.MkdirAll(h.tmpDir, 0o755); err != nil {
		h.logger.Error("create tmp dir", zap.String("dir", h.tmpDir), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}

	id := uuid.NewString()
	inPath := filepath.Join(h.tmpDir, id+"_"+name)
	outName := video.OutputName(name, "")
	outPath := filepath.Join(h.tmpDir, id+"_"+outName)
	defer os.Remove(inPath)
	defer os.Remove(outPath)

	if err := saveUpload(file, inPath); err != nil {
		h.logger.Error("stage upload", zap.String("path", inPath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}

	h.logger.Info("processing upload", zap.String("upload_id", id), zap.String("name", name), zap.Int64("size", header.Size))
	out, err := h.proc.Run(pipeline.WithRunID(r.Context(), id), inPath, outPath)
	if err != nil {
		status, msg := classify(err)
		h.logger.Warn("upload processing failed", zap.String("upload_id", id), zap.Int("status", status), zap.Error(err))
		writeError(w, status, msg)
		return
	}

	if h.publisher != nil {
		// A publish failure does not fail the request.
		if key, err := h.publisher.Publish(r.Context(), id, out); err != nil {
			h.logger.Warn("publish artifact", zap.String("upload_id", id), zap.Error(err))
		} else {
			w.Header().Set("X-Artifact-Key", key)
		}
	}

	h.serveArtifact(w, out, outName, id)
}

func (h *uploadHandler) serveArtifact(w http.ResponseWriter, path, name, id string) {
	f, err := os.Open(path)
	if err != nil {
		h.logger.Error("open artifact", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "artifact missing")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact missing")
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("X-Run-Id", id)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Debug("client went away during download", zap.Error(err))
	}
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".webm":
		return "video/webm"
	default:
		return "video/mp4"
	}
}

// classify maps pipeline failures to HTTP statuses.
func classify(err error) (int, string) {
	var (
		soe *pipeline.SourceOpenError
		sie *pipeline.SinkOpenError
		te  *channel.TransportError
		ve  *detection.ValidationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"
	case errors.As(err, &soe):
		return http.StatusUnprocessableEntity, "uploaded file is not a readable video"
	case errors.As(err, &sie):
		return http.StatusInternalServerError, "cannot create output video"
	case errors.Is(err, pipeline.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, "analytics service unavailable"
	case errors.As(err, &te):
		return http.StatusBadGateway, "analytics service request failed"
	case crypto.IsCryptoError(err):
		return http.StatusBadGateway, "analytics response failed authentication"
	case errors.As(err, &ve):
		return http.StatusBadGateway, "analytics response malformed"
	default:
		return http.StatusInternalServerError, "processing failed"
	}
}
