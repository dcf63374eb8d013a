package models

// TimeRange bounds a query by message timestamp, inclusive on both ends.
// Zero values mean unbounded.
type TimeRange struct {
	Start int64 `json:"start,omitempty"` // Unix ms
	End   int64 `json:"end,omitempty"`
}

// MessageFilter selects messages for queries and exports. At least one of
// GuildID or TopicName scope is required; there is no global index.
type MessageFilter struct {
	GuildID    string     `json:"guildId,omitempty"`
	TopicName  string     `json:"topicName,omitempty"`
	ThreadID   string     `json:"threadId,omitempty"`
	Statuses   []string   `json:"status,omitempty"`
	AgentID    string     `json:"agentId,omitempty"`
	TimeRange  *TimeRange `json:"timeRange,omitempty"`
	SearchText string     `json:"searchText,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// Narrowed reports whether the filter carries any predicate that cannot be
// pushed down to a sorted-set score range.
func (f *MessageFilter) Narrowed() bool {
	return len(f.Statuses) > 0 || f.AgentID != "" || f.ThreadID != "" || f.SearchText != ""
}
