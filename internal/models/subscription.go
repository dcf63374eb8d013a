package models

// Subscription is ephemeral state owned by one WebSocket connection. Empty
// TopicNames means "every topic in the guild".
type Subscription struct {
	ID         string   `json:"subscriptionId"`
	GuildID    string   `json:"guildId"`
	TopicNames []string `json:"topicNames,omitempty"`
}

// Matches reports whether an event published under (guildID, topicName)
// should be delivered for this subscription.
func (s *Subscription) Matches(guildID, topicName string) bool {
	if s.GuildID != guildID {
		return false
	}
	if len(s.TopicNames) == 0 {
		return true
	}
	for _, t := range s.TopicNames {
		if t == topicName {
			return true
		}
	}
	return false
}
