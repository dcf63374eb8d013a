package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/guildscope/guildscope/internal/gemstone"
	"github.com/guildscope/guildscope/internal/metrics"
	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/query"
)

// TopicMessages handles GET /guilds/{guildId}/topics/{topicName}/messages.
func (h *Handler) TopicMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.MessageFilter{
		GuildID:    chi.URLParam(r, "guildId"),
		TopicName:  chi.URLParam(r, "topicName"),
		ThreadID:   q.Get("threadId"),
		AgentID:    q.Get("agentId"),
		SearchText: q.Get("search"),
		Limit:      queryInt(r, "limit", 0),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				if !models.ValidStatus(s) {
					h.Error(w, http.StatusBadRequest, CodeValidationError, "unknown status: "+s)
					return
				}
				filter.Statuses = append(filter.Statuses, s)
			}
		}
	}

	start, okStart := queryInt64(r, "start")
	end, okEnd := queryInt64(r, "end")
	if !okStart || !okEnd {
		h.Error(w, http.StatusBadRequest, CodeInvalidTimeRange, "start and end must be unix millisecond timestamps")
		return
	}
	if start != 0 || end != 0 {
		if start != 0 && end != 0 && start > end {
			h.Error(w, http.StatusBadRequest, CodeInvalidTimeRange, "start must not be after end")
			return
		}
		filter.TimeRange = &models.TimeRange{Start: start, End: end}
	}

	result, err := h.engine.QueryMessages(r.Context(), filter)
	switch {
	case errors.Is(err, query.ErrRetentionWindowExceeded):
		h.Error(w, http.StatusBadRequest, CodeInvalidTimeRange,
			"time range exceeds the "+h.engine.Retention().String()+" retention window")
		return
	case errors.Is(err, query.ErrMissingScope):
		h.Error(w, http.StatusBadRequest, CodeMissingScope, "query requires a guild or topic scope")
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("message query failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "message store unavailable")
		return
	}
	metrics.MessageQueries.Inc()

	// Report the limit the engine actually applied so clients can page.
	limit := filter.Limit
	if limit <= 0 {
		limit = h.engine.PageSize()
	}
	if limit > query.MaxPageSize {
		limit = query.MaxPageSize
	}
	h.OKPage(w, result.Messages, pageMeta{
		Total:   result.Total,
		Limit:   limit,
		Offset:  filter.Offset,
		HasMore: result.HasMore,
	})
}

// GetMessage handles GET /messages/{messageId}. IDs are validated before any
// Redis round-trip.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "messageId")

	id, err := gemstone.Parse(raw)
	if err != nil {
		h.Error(w, http.StatusBadRequest, CodeInvalidMessageID, "message ids are 16 lowercase hex digits")
		return
	}

	msg, err := h.engine.GetMessage(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("message", raw).Msg("message lookup failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "message store unavailable")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, CodeMessageNotFound, "no such message: "+raw)
		return
	}

	h.OK(w, http.StatusOK, msg)
}
