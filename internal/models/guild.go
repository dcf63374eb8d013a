package models

// Guild statuses inferred from recent activity.
const (
	GuildActive = "active"
	GuildIdle   = "idle"
)

// Guild is a synthesized entity: a namespace prefix shared by a set of topic
// keys. There is no authoritative record; identity is the prefix string
// itself and every derived attribute is recomputed on read.
type Guild struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Namespace    string `json:"namespace"`
	TopicCount   int    `json:"topicCount"`
	LastActivity int64  `json:"lastActivity,omitempty"` // Unix ms, 0 when never observed
	Status       string `json:"status"`
}
