// Package query answers point lookups and filtered, paginated range queries
// over topic sorted sets, with a hard retention-window contract enforced
// before any Redis round trip.
package query

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/gemstone"
	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/store"
)

var (
	// ErrRetentionWindowExceeded is returned when timeRange.start is older
	// than the retention window. Rejected before touching Redis.
	ErrRetentionWindowExceeded = errors.New("query: time range exceeds retention window")

	// ErrMissingScope is returned when a filter names neither a guild nor a
	// topic. There is no global index to fall back to.
	ErrMissingScope = errors.New("query: filter requires guildId or topicName")
)

const (
	// DefaultRetention bounds how far back queries and exports may reach.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultPageSize applies when a filter carries no limit.
	DefaultPageSize = 100

	// MaxPageSize caps a single request's page.
	MaxPageSize = 1000

	// statsSampleCap bounds the sample used for percentile and top-agent
	// statistics. Counts stay exact; everything derived from the sample is
	// an approximation.
	statsSampleCap = 100

	topAgents = 5
)

// Result is one page of a message query.
type Result struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
	HasMore  bool             `json:"hasMore"`
}

// Engine executes message queries against the command connection.
type Engine struct {
	store     *store.Store
	retention time.Duration
	pageSize  int
	logger    zerolog.Logger
	now       func() time.Time
}

// Options tune an Engine. Zero values take the package defaults.
type Options struct {
	Retention time.Duration
	PageSize  int
}

// New creates a query engine.
func New(s *store.Store, logger zerolog.Logger, opts Options) *Engine {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Engine{
		store:     s,
		retention: opts.Retention,
		pageSize:  opts.PageSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Retention returns the configured retention window.
func (e *Engine) Retention() time.Duration {
	return e.retention
}

// PageSize returns the default page size applied when a filter carries no
// limit.
func (e *Engine) PageSize() int {
	return e.pageSize
}

// CheckRetention validates a time range against the retention window. Export
// creation shares this check.
func (e *Engine) CheckRetention(tr *models.TimeRange) error {
	if tr == nil || tr.Start == 0 {
		return nil
	}
	oldest := e.now().Add(-e.retention).UnixMilli()
	if tr.Start < oldest {
		return ErrRetentionWindowExceeded
	}
	return nil
}

// GetMessage resolves a message by ID across the msg:* point-lookup keys.
// Returns nil when absent; corrupt stored JSON also reads as absent.
func (e *Engine) GetMessage(ctx context.Context, id gemstone.ID) (*models.Message, error) {
	return e.store.LookupMessage(ctx, id.String())
}

// QueryMessages runs a filtered, paginated range query. Results are ordered
// newest first. HasMore is true iff strictly more matching records exist
// beyond offset+limit.
func (e *Engine) QueryMessages(ctx context.Context, f models.MessageFilter) (*Result, error) {
	if err := e.CheckRetention(f.TimeRange); err != nil {
		return nil, err
	}
	if f.GuildID == "" && f.TopicName == "" {
		return nil, ErrMissingScope
	}

	limit := f.Limit
	if limit <= 0 {
		limit = e.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	min := "-inf"
	max := "+inf"
	if f.TimeRange != nil {
		min = store.ScoreBound(f.TimeRange.Start, false)
		max = store.ScoreBound(f.TimeRange.End, true)
	}

	if f.GuildID != "" && f.TopicName != "" && !f.Narrowed() {
		return e.queryTopicDirect(ctx, f, min, max, offset, limit)
	}
	return e.queryMerged(ctx, f, min, max, offset, limit)
}

// queryTopicDirect pushes pagination down to the sorted set: one score-range
// read with limit+1 to detect hasMore, one ZCOUNT for the exact total.
func (e *Engine) queryTopicDirect(ctx context.Context, f models.MessageFilter, min, max string, offset, limit int) (*Result, error) {
	key := store.TopicKey(f.GuildID, f.TopicName)

	messages, err := e.store.TopicMessages(ctx, key, min, max, int64(offset), int64(limit+1), true)
	if err != nil {
		return nil, err
	}

	total, err := e.store.TopicMessageCount(ctx, key, min, max)
	if err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	return &Result{Messages: messages, Total: int(total), HasMore: hasMore}, nil
}

// queryMerged fans out across the filter's topic keys (a whole guild, a
// topic across every guild, or the one named topic when secondary filters
// force in-memory matching), merges by timestamp newest first, then applies
// filters and offset/limit pagination.
func (e *Engine) queryMerged(ctx context.Context, f models.MessageFilter, min, max string, offset, limit int) (*Result, error) {
	keys, err := e.topicKeys(ctx, f)
	if err != nil {
		return nil, err
	}

	var merged []models.Message
	for _, key := range keys {
		msgs, err := e.store.TopicMessages(ctx, key, min, max, 0, 0, true)
		if err != nil {
			return nil, err
		}
		merged = append(merged, msgs...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})

	matched := merged[:0]
	for i := range merged {
		if matchesFilter(&merged[i], &f) {
			matched = append(matched, merged[i])
		}
	}

	total := len(matched)
	if offset >= total {
		return &Result{Messages: []models.Message{}, Total: total, HasMore: false}, nil
	}

	end := offset + limit
	hasMore := total > end
	if end > total {
		end = total
	}

	page := make([]models.Message, end-offset)
	copy(page, matched[offset:end])

	return &Result{Messages: page, Total: total, HasMore: hasMore}, nil
}

// topicKeys resolves a filter's scope to the sorted-set keys it covers.
// With both scopes the key is addressed directly; a guild-only filter scans
// the guild's namespace; a topic-only filter scans every guild for that
// topic name, since the guild half of the key is unknown.
func (e *Engine) topicKeys(ctx context.Context, f models.MessageFilter) ([]string, error) {
	if f.GuildID != "" && f.TopicName != "" {
		return []string{store.TopicKey(f.GuildID, f.TopicName)}, nil
	}

	pattern := f.GuildID + ":*"
	if f.GuildID == "" {
		pattern = "*:" + f.TopicName
	}

	var keys []string
	err := e.store.ScanKeys(ctx, pattern, func(key string) error {
		if store.Reserved(key) {
			return nil
		}
		if f.TopicName != "" {
			// The glob also matches keys whose topic merely ends with the
			// name ("g:sub:general" for "general"); keep exact topics only.
			if _, topic, ok := store.SplitTopicKey(key); !ok || topic != f.TopicName {
				return nil
			}
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// matchesFilter applies the in-memory predicates: status membership, agent
// identity on either side of the message, thread membership, and free-text
// substring search over the serialized payload.
func matchesFilter(m *models.Message, f *models.MessageFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if m.ProcessStatus == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if f.AgentID != "" && !matchesAgent(m, f.AgentID) {
		return false
	}

	if f.ThreadID != "" && !m.InThread(f.ThreadID) {
		return false
	}

	if f.SearchText != "" {
		if !strings.Contains(strings.ToLower(string(m.Payload)), strings.ToLower(f.SearchText)) {
			return false
		}
	}

	return true
}

// matchesAgent matches sender id/name or any recipient id/name.
func matchesAgent(m *models.Message, agentID string) bool {
	if m.Sender.ID == agentID || m.Sender.Name == agentID {
		return true
	}
	for _, r := range m.RecipientList {
		if r.ID == agentID || r.Name == agentID {
			return true
		}
	}
	return false
}

// GetTopicStats computes windowed statistics for one topic. The message
// count is exact; error counts, percentiles and top agents come from a
// bounded sample of the newest messages in the window.
func (e *Engine) GetTopicStats(ctx context.Context, guildID, topicName string, window time.Duration) (*models.TopicStats, error) {
	if window <= 0 {
		window = time.Hour
	}
	key := store.TopicKey(guildID, topicName)

	now := e.now()
	min := store.ScoreBound(now.Add(-window).UnixMilli(), false)
	max := store.ScoreBound(now.UnixMilli(), true)

	count, err := e.store.TopicMessageCount(ctx, key, min, max)
	if err != nil {
		return nil, err
	}

	sample, err := e.store.TopicMessages(ctx, key, min, max, 0, statsSampleCap, true)
	if err != nil {
		return nil, err
	}

	stats := &models.TopicStats{
		MessageCount:  count,
		WindowSeconds: int64(window.Seconds()),
		SampleSize:    len(sample),
		Throughput:    float64(count) / window.Seconds(),
	}

	var latencies []float64
	publishers := make(map[models.AgentRef]int)
	subscribers := make(map[models.AgentRef]int)

	for i := range sample {
		m := &sample[i]
		if m.IsErrorMessage {
			stats.ErrorCount++
		}
		if l, ok := processingLatency(m); ok {
			latencies = append(latencies, l)
		}
		publishers[m.Sender]++
		for _, r := range m.RecipientList {
			subscribers[r]++
		}
	}

	sort.Float64s(latencies)
	stats.LatencyP50 = percentile(latencies, 0.50)
	stats.LatencyP95 = percentile(latencies, 0.95)
	stats.LatencyP99 = percentile(latencies, 0.99)
	stats.TopPublishers = topN(publishers, topAgents)
	stats.TopSubscribers = topN(subscribers, topAgents)

	return stats, nil
}

// processingLatency is the span from a message's timestamp to its last
// recorded status transition, in milliseconds.
func processingLatency(m *models.Message) (float64, bool) {
	if len(m.MessageHistory) == 0 {
		return 0, false
	}
	last := m.MessageHistory[len(m.MessageHistory)-1].Timestamp
	if last < m.Timestamp {
		return 0, false
	}
	return float64(last - m.Timestamp), true
}

// percentile reads a sorted sample with nearest-rank interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// topN returns the n most frequent agents in descending count order, ties
// broken by agent ID for stable output.
func topN(counts map[models.AgentRef]int, n int) []models.AgentCount {
	out := make([]models.AgentCount, 0, len(counts))
	for agent, c := range counts {
		out = append(out, models.AgentCount{Agent: agent, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
