package handlers

import (
	"net/http"

	"github.com/guildscope/guildscope/internal/discovery"
	"github.com/guildscope/guildscope/internal/models"
)

// OverviewStats is the landing-page snapshot: keyspace totals plus live
// subscription gauges.
type OverviewStats struct {
	GuildCount        int     `json:"guildCount"`
	TopicCount        int     `json:"topicCount"`
	ActiveGuilds      int     `json:"activeGuilds"`
	ConnectedClients  int64   `json:"connectedClients"`
	Subscriptions     int64   `json:"subscriptions"`
	MessagesPerMinute float64 `json:"messagesPerMinute"`
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	guilds, err := h.discovery.ListGuilds(r.Context(), discovery.GuildFilter{})
	if err != nil {
		h.logger.Error().Err(err).Msg("stats scan failed")
		h.Error(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "guild discovery unavailable")
		return
	}

	stats := OverviewStats{GuildCount: len(guilds)}
	for _, g := range guilds {
		stats.TopicCount += g.TopicCount
		if g.Status == models.GuildActive {
			stats.ActiveGuilds++
		}
	}

	if h.hub != nil {
		live := h.hub.Stats()
		stats.ConnectedClients = live.ConnectedClients
		stats.Subscriptions = live.ActiveSubscriptions
		stats.MessagesPerMinute = live.MessagesPerMinute
	}

	h.OK(w, http.StatusOK, stats)
}
