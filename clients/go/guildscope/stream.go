package guildscope

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Event is a live message delivered over the stream.
type Event struct {
	GuildID   string  `json:"guildId"`
	TopicName string  `json:"topicName"`
	Message   Message `json:"message"`
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Stream is a live subscription over the /ws endpoint.
type Stream struct {
	conn   *websocket.Conn
	events chan Event
	errs   chan error
}

// Events delivers matching messages as they arrive.
func (s *Stream) Events() <-chan Event { return s.events }

// Err reports the first fatal stream error; the channel closes with the stream.
func (s *Stream) Err() <-chan error { return s.errs }

// Close tears the stream down.
func (s *Stream) Close() error { return s.conn.Close() }

// Subscribe opens a WebSocket stream and subscribes to a guild, optionally
// narrowed to specific topics. The stream runs until Close or ctx cancel.
func (c *Client) Subscribe(ctx context.Context, guildID string, topics ...string) (*Stream, error) {
	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	// First frame is always "connected".
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, err
	}

	sub, _ := json.Marshal(map[string]any{"guildId": guildID, "topicNames": topics})
	if err := conn.WriteJSON(frame{Type: "subscribe", Data: sub}); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Stream{
		conn:   conn,
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(s.events)
		defer close(s.errs)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				s.errs <- err
				return
			}
			switch f.Type {
			case "message":
				var evt Event
				if json.Unmarshal(f.Data, &evt) == nil {
					s.events <- evt
				}
			case "error":
				var e APIError
				_ = json.Unmarshal(f.Data, &e)
				if e.Code == "RATE_LIMIT_EXCEEDED" {
					continue // soft error, keep reading
				}
				s.errs <- fmt.Errorf("guildscope: stream error %s: %s", e.Code, e.Message)
				return
			default:
				// confirmations, pongs and stats are ignored here
			}
		}
	}()

	return s, nil
}
