package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guildscope/guildscope/internal/export"
	"github.com/guildscope/guildscope/internal/metrics"
	"github.com/guildscope/guildscope/internal/models"
)

// CreateExport handles POST /export. Validation failures come back as 400;
// an accepted job is queued and reported as 202 immediately.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, CodeValidationError, "malformed request body")
		return
	}

	job, err := h.exports.CreateExport(r.Context(), req)
	if err != nil {
		if errors.Is(err, export.ErrValidation) {
			h.Error(w, http.StatusBadRequest, CodeValidationError, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("export creation failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "export queue unavailable")
		return
	}
	metrics.ExportsCreated.WithLabelValues(job.Format).Inc()

	h.OK(w, http.StatusAccepted, job)
}

// ExportStatus handles GET /export/{exportId}/status.
func (h *Handler) ExportStatus(w http.ResponseWriter, r *http.Request) {
	exportID := chi.URLParam(r, "exportId")

	job, err := h.exports.GetStatus(r.Context(), exportID)
	if err != nil {
		h.logger.Error().Err(err).Str("export", exportID).Msg("export status lookup failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "export store unavailable")
		return
	}
	if job == nil {
		h.Error(w, http.StatusNotFound, CodeExportNotFound, "no such export: "+exportID)
		return
	}

	h.OK(w, http.StatusOK, job)
}

// ExportDownload handles GET /export/{exportId}/download. The artifact only
// exists once the job reached completed; anything earlier is a 404.
func (h *Handler) ExportDownload(w http.ResponseWriter, r *http.Request) {
	exportID := chi.URLParam(r, "exportId")

	job, err := h.exports.GetStatus(r.Context(), exportID)
	if err != nil {
		h.logger.Error().Err(err).Str("export", exportID).Msg("export status lookup failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "export store unavailable")
		return
	}
	if job == nil || job.Status != models.ExportCompleted {
		h.Error(w, http.StatusNotFound, CodeExportNotFound, "no completed export: "+exportID)
		return
	}

	f, err := os.Open(h.exports.ArtifactPath(job))
	if err != nil {
		h.logger.Error().Err(err).Str("export", exportID).Msg("export artifact missing")
		h.Error(w, http.StatusNotFound, CodeExportNotFound, "artifact expired: "+exportID)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(job.Format))
	if job.Compression == "gzip" {
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ExportID+"."+job.Format+`"`)
	http.ServeContent(w, r, "", time.UnixMilli(job.CompletedAt), f)
}

func contentTypeFor(format string) string {
	switch format {
	case models.FormatCSV:
		return "text/csv"
	case models.FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}
