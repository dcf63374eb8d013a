package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guildscope/guildscope/internal/discovery"
	"github.com/guildscope/guildscope/internal/models"
)

// statsWindow bounds the sample used for per-topic statistics.
const statsWindow = time.Hour

// ListTopics handles GET /guilds/{guildId}/topics.
func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	q := r.URL.Query()

	guild, err := h.discovery.GetGuild(r.Context(), guildID)
	if err != nil {
		h.logger.Error().Err(err).Str("guild", guildID).Msg("guild lookup failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "guild discovery unavailable")
		return
	}
	if guild == nil {
		h.Error(w, http.StatusNotFound, CodeGuildNotFound, "no such guild: "+guildID)
		return
	}

	includeStats := q.Get("includeStats") == "true"

	topics, err := h.discovery.ListTopics(r.Context(), guildID, discovery.TopicOptions{
		Type:         models.TopicType(q.Get("type")),
		IncludeStats: includeStats,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("guild", guildID).Msg("topic listing failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "topic discovery unavailable")
		return
	}

	if includeStats {
		for i := range topics {
			stats, err := h.engine.GetTopicStats(r.Context(), guildID, topics[i].Name, statsWindow)
			if err != nil {
				h.logger.Warn().Err(err).
					Str("guild", guildID).
					Str("topic", topics[i].Name).
					Msg("topic stats unavailable")
				continue
			}
			topics[i].Stats = stats
		}
	}

	h.OK(w, http.StatusOK, topics)
}
