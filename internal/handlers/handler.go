package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/discovery"
	"github.com/guildscope/guildscope/internal/export"
	"github.com/guildscope/guildscope/internal/query"
	"github.com/guildscope/guildscope/internal/store"
	"github.com/guildscope/guildscope/internal/ws"
)

// API error codes returned inside the response envelope.
const (
	CodeInvalidMessageID    = "INVALID_MESSAGE_ID"
	CodeGuildNotFound       = "GUILD_NOT_FOUND"
	CodeMessageNotFound     = "MESSAGE_NOT_FOUND"
	CodeExportNotFound      = "EXPORT_NOT_FOUND"
	CodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	CodeMissingScope        = "MISSING_SCOPE"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	discovery *discovery.Service
	engine    *query.Engine
	exports   *export.Service
	store     *store.Store
	hub       *ws.Hub
	logger    zerolog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(d *discovery.Service, e *query.Engine, x *export.Service, s *store.Store, hub *ws.Hub, logger zerolog.Logger) *Handler {
	return &Handler{discovery: d, engine: e, exports: x, store: s, hub: hub, logger: logger}
}

// envelope is the wire shape of every non-health response.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Meta    *pageMeta `json:"meta,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// pageMeta accompanies paginated list responses.
type pageMeta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// JSON sends a raw JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// OK wraps data in the success envelope.
func (h *Handler) OK(w http.ResponseWriter, status int, data interface{}) {
	h.JSON(w, status, envelope{Success: true, Data: data})
}

// OKPage wraps a list page in the success envelope with pagination meta.
func (h *Handler) OKPage(w http.ResponseWriter, data interface{}, meta pageMeta) {
	h.JSON(w, http.StatusOK, envelope{Success: true, Data: data, Meta: &meta})
}

// Error sends an enveloped error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, envelope{Success: false, Error: &apiError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage. Negative values fall back too.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryInt64 parses a millisecond-timestamp query parameter; 0 means unset.
func queryInt64(r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
