// Package ws fans Redis pub/sub traffic out to WebSocket subscribers. The
// hub owns a dedicated pub/sub connection so a slow command on the query
// path never delays live-event delivery.
package ws

import (
	"encoding/json"

	"github.com/guildscope/guildscope/internal/models"
)

// Client-to-server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeGetStats    = "get_stats"
)

// Server-to-client frame types.
const (
	TypeConnected             = "connected"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeUnsubscribeConfirmed  = "unsubscribe_confirmed"
	TypeMessage               = "message"
	TypePong                  = "pong"
	TypeStats                 = "stats"
	TypeError                 = "error"
)

// In-band error codes. None of these close the connection.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeValidationError    = "VALIDATION_ERROR"
)

// Frame is the JSON envelope for every frame in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func mustFrame(frameType string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		// Every payload type below is a plain struct; a marshal failure is
		// a programming error.
		panic(err)
	}
	b, err := json.Marshal(Frame{Type: frameType, Data: raw})
	if err != nil {
		panic(err)
	}
	return b
}

// ConnectedData announces the server-assigned connection ID.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
}

// SubscribeRequest is the payload of a subscribe command.
type SubscribeRequest struct {
	GuildID    string   `json:"guildId"`
	TopicNames []string `json:"topicNames,omitempty"`
}

// UnsubscribeRequest is the payload of an unsubscribe command.
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// PingData carries the client timestamp, echoed back verbatim so clients
// can measure round-trip latency.
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is an in-band protocol error.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatsData is the reply to get_stats, computed from process-wide counters.
type StatsData struct {
	ConnectedClients    int64   `json:"connectedClients"`
	ActiveSubscriptions int64   `json:"activeSubscriptions"`
	MessagesPerMinute   float64 `json:"messagesPerMinute"`
	AverageLatency      float64 `json:"averageLatency"` // ms
}

// MessageEvent is a live message delivered to matching subscribers.
type MessageEvent struct {
	GuildID   string         `json:"guildId"`
	TopicName string         `json:"topicName"`
	Message   models.Message `json:"message"`
}
