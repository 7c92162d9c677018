package handler

import (
	"log/slog"
	"net/http"
	"path"
	"strings"

	minioclient "github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/pkg/apierr"
)

type UploadHandler struct {
	logger *slog.Logger
	minio  *minioclient.Client
}

func NewUploadHandler(logger *slog.Logger, minio *minioclient.Client) *UploadHandler {
	return &UploadHandler{logger: logger, minio: minio}
}

// Upload stores one document in object storage under the given prefix. A run
// created with the same source_prefix picks it up at intake.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Max 100MB upload
	r.Body = http.MaxBytesReader(w, r.Body, 100*1024*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, h.logger, apierr.FileRequired())
		return
	}
	defer file.Close()

	prefix := strings.Trim(r.FormValue("prefix"), "/")
	if prefix == "" {
		prefix = "uploads"
	}
	objectName := path.Join(prefix, path.Base(header.Filename))

	if err := h.minio.UploadFile(r.Context(), objectName, file, header.Size); err != nil {
		writeAPIError(w, h.logger, apierr.UploadFailed(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"object":     objectName,
		"size_bytes": header.Size,
	})
}
