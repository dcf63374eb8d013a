package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/guildscope/guildscope/internal/discovery"
	"github.com/guildscope/guildscope/internal/metrics"
)

// ListGuilds handles GET /guilds. The listing is synthesized from a keyspace
// scan, so pagination happens in memory over the cached snapshot.
func (h *Handler) ListGuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	guilds, err := h.discovery.ListGuilds(r.Context(), discovery.GuildFilter{
		Status:    q.Get("status"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("guild listing failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "guild discovery unavailable")
		return
	}
	metrics.GuildScans.Inc()

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	total := len(guilds)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	h.OKPage(w, guilds[offset:end], pageMeta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	})
}

// GetGuild handles GET /guilds/{guildId}.
func (h *Handler) GetGuild(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")

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

	h.OK(w, http.StatusOK, guild)
}
