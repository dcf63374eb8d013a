package models

// TopicType classifies a topic by the recipients observed in a bounded
// recent sample. It is a heuristic, not a stored fact, and can change
// between reads.
type TopicType string

const (
	TopicQueue     TopicType = "queue"     // no explicit recipients
	TopicDirect    TopicType = "direct"    // exactly one distinct recipient
	TopicBroadcast TopicType = "broadcast" // more than one distinct recipient
)

// Topic is a synthesized entity keyed by {guildId}:{topicName}, backed by a
// Redis sorted set of JSON-encoded Messages scored by timestamp.
type Topic struct {
	GuildID      string      `json:"guildId"`
	Name         string      `json:"name"`
	Type         TopicType   `json:"type"`
	MessageCount int64       `json:"messageCount"`
	LastActivity int64       `json:"lastActivity,omitempty"` // Unix ms
	Stats        *TopicStats `json:"stats,omitempty"`
}

// AgentCount pairs an agent with how often it appeared in a sample.
type AgentCount struct {
	Agent AgentRef `json:"agent"`
	Count int      `json:"count"`
}

// TopicStats holds windowed statistics for one topic. Message count is
// exact; everything else is computed from a bounded sample and is an
// approximation for large windows.
type TopicStats struct {
	MessageCount  int64        `json:"messageCount"`
	ErrorCount    int          `json:"errorCount"`
	Throughput    float64      `json:"throughput"` // messages per second
	LatencyP50    float64      `json:"latencyP50"` // ms
	LatencyP95    float64      `json:"latencyP95"`
	LatencyP99    float64      `json:"latencyP99"`
	TopPublishers  []AgentCount `json:"topPublishers"`
	TopSubscribers []AgentCount `json:"topSubscribers"`
	WindowSeconds  int64        `json:"windowSeconds"`
	SampleSize     int          `json:"sampleSize"`
}
