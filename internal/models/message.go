package models

import "encoding/json"

// AgentRef identifies a message sender or recipient.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoutingHop is one entry in a message's routing slip.
type RoutingHop struct {
	Agent       AgentRef `json:"agent"`
	Origin      string   `json:"origin,omitempty"`
	Destination string   `json:"destination,omitempty"`
	EnteredAt   int64    `json:"enteredAt,omitempty"`
}

// RoutingSlip records the hops a message took through the runtime.
type RoutingSlip struct {
	Hops []RoutingHop `json:"hops"`
}

// StatusTransition is one entry in a message's processing history.
type StatusTransition struct {
	Agent     AgentRef `json:"agent"`
	Status    string   `json:"status"`
	Timestamp int64    `json:"timestamp"` // Unix ms
}

// Known process status values written by the runtime.
const (
	StatusNew        = "new"
	StatusDelivered  = "delivered"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// ValidStatus reports whether s is a known process status.
func ValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusDelivered, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Message is the unit of traffic stored by the runtime. The debugger never
// writes these; it only decodes what the producer serialized into each
// topic's sorted set.
type Message struct {
	ID             string             `json:"id"` // 16 hex digit gemstone ID
	Priority       int                `json:"priority"`
	Timestamp      int64              `json:"timestamp"` // Unix ms
	Sender         AgentRef           `json:"sender"`
	Topics         []string           `json:"topics"`
	RecipientList  []AgentRef         `json:"recipientList"`
	Payload        json.RawMessage    `json:"payload"`
	Format         string             `json:"format"` // dotted type tag
	InResponseTo   string             `json:"inResponseTo,omitempty"`
	Thread         []string           `json:"thread,omitempty"` // ordered ancestor IDs, root first
	ConversationID string             `json:"conversationId,omitempty"`
	RoutingSlip    *RoutingSlip       `json:"routingSlip,omitempty"`
	MessageHistory []StatusTransition `json:"messageHistory,omitempty"`
	TTL            *int64             `json:"ttl,omitempty"`
	IsErrorMessage bool               `json:"isErrorMessage"`
	ProcessStatus  string             `json:"processStatus,omitempty"`
}

// CurrentThreadID returns the last entry of the thread chain, or the
// message's own ID when it has no ancestors.
func (m *Message) CurrentThreadID() string {
	if len(m.Thread) == 0 {
		return m.ID
	}
	return m.Thread[len(m.Thread)-1]
}

// RootThreadID returns the first entry of the thread chain, or the
// message's own ID when it has no ancestors.
func (m *Message) RootThreadID() string {
	if len(m.Thread) == 0 {
		return m.ID
	}
	return m.Thread[0]
}

// InThread reports whether the message belongs to the given thread.
func (m *Message) InThread(threadID string) bool {
	if threadID == "" {
		return false
	}
	if m.CurrentThreadID() == threadID || m.RootThreadID() == threadID {
		return true
	}
	for _, id := range m.Thread {
		if id == threadID {
			return true
		}
	}
	return false
}
