package ws

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/guildscope/guildscope/internal/models"
)

// Connection states.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	maxFrameBytes    = 64 * 1024
	writeTimeout     = 10 * time.Second
	sendBufferFrames = 256
)

// Conn is one WebSocket connection and its subscription state.
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{} // closed once on teardown; send stays open
	limiter *rate.Limiter
	state   atomic.Int32

	mu        sync.Mutex
	subs      map[string]*models.Subscription
	guildRefs map[string]int // subscriptions per guild, drives listener refcounts

	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		hub:       hub,
		ws:        ws,
		send:      make(chan []byte, sendBufferFrames),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(hub.cfg.RateLimit), hub.cfg.RateLimit),
		subs:      make(map[string]*models.Subscription),
		guildRefs: make(map[string]int),
	}
	c.state.Store(stateConnecting)
	return c
}

// ID returns the server-assigned connection ID.
func (c *Conn) ID() string { return c.id }

// matches reports whether any of the connection's subscriptions covers the
// event.
func (c *Conn) matches(guildID, topicName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.Matches(guildID, topicName) {
			return true
		}
	}
	return false
}

// enqueue hands a prebuilt frame to the write pump without blocking the
// fan-out loop. A full buffer drops the frame: a consumer that cannot keep
// up loses live events rather than stalling every other connection.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// reply sends a control frame, blocking briefly if the buffer is full so
// command responses are not silently lost.
func (c *Conn) reply(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	case <-time.After(writeTimeout):
	}
}

func (c *Conn) replyError(code, message string) {
	c.reply(mustFrame(TypeError, ErrorData{Code: code, Message: message}))
}

// writePump drains the send buffer onto the socket until teardown.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			// Flush whatever is already buffered before the close frame.
			for {
				select {
				case frame := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					if c.ws.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				go c.hub.closeConn(c)
				return
			}
		}
	}
}

// readPump consumes client commands until the socket dies or stays quiet
// past the idle timeout. Protocol errors are reported in-band and never
// terminate the connection.
func (c *Conn) readPump() {
	defer c.hub.closeConn(c)

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame, including ping, counts as liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))

		if !c.limiter.Allow() {
			c.replyError(CodeRateLimitExceeded, "command rate limit exceeded")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.replyError(CodeInvalidMessage, "frame is not valid JSON")
			continue
		}

		switch frame.Type {
		case TypeSubscribe:
			c.handleSubscribe(frame.Data)
		case TypeUnsubscribe:
			c.handleUnsubscribe(frame.Data)
		case TypePing:
			c.handlePing(frame.Data)
		case TypeGetStats:
			c.reply(mustFrame(TypeStats, c.hub.Stats()))
		default:
			c.replyError(CodeUnknownMessageType, "unknown message type "+frame.Type)
		}
	}
}

func (c *Conn) handleSubscribe(data json.RawMessage) {
	var req SubscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.replyError(CodeInvalidMessage, "malformed subscribe payload")
			return
		}
	}
	if strings.TrimSpace(req.GuildID) == "" {
		c.replyError(CodeValidationError, "guildId is required")
		return
	}

	sub := &models.Subscription{
		ID:         uuid.NewString(),
		GuildID:    req.GuildID,
		TopicNames: req.TopicNames,
	}

	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.guildRefs[req.GuildID]++
	c.mu.Unlock()

	c.hub.subscribed(req.GuildID, c)

	c.reply(mustFrame(TypeSubscriptionConfirmed, sub))
}

func (c *Conn) handleUnsubscribe(data json.RawMessage) {
	var req UnsubscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.replyError(CodeInvalidMessage, "malformed unsubscribe payload")
			return
		}
	}

	c.mu.Lock()
	sub, ok := c.subs[req.SubscriptionID]
	if ok {
		delete(c.subs, req.SubscriptionID)
		c.guildRefs[sub.GuildID]--
		if c.guildRefs[sub.GuildID] <= 0 {
			delete(c.guildRefs, sub.GuildID)
		}
	}
	c.mu.Unlock()

	if !ok {
		c.replyError(CodeValidationError, "unknown subscriptionId")
		return
	}

	c.hub.unsubscribed(sub.GuildID, c)

	c.reply(mustFrame(TypeUnsubscribeConfirmed, UnsubscribeRequest{SubscriptionID: sub.ID}))
}

func (c *Conn) handlePing(data json.RawMessage) {
	var ping PingData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ping); err != nil {
			c.replyError(CodeInvalidMessage, "malformed ping payload")
			return
		}
	}
	c.reply(mustFrame(TypePong, ping))
}

// drainGuildRefs empties and returns the per-guild subscription counts
// during teardown.
func (c *Conn) drainGuildRefs() (map[string]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	refs := c.guildRefs
	subCount := len(c.subs)
	c.guildRefs = make(map[string]int)
	c.subs = make(map[string]*models.Subscription)
	return refs, subCount
}
