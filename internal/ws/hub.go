package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/metrics"
	"github.com/guildscope/guildscope/internal/store"
)

// Config tunes the hub. Zero values take the defaults below.
type Config struct {
	// RateLimit is the per-connection budget of inbound client commands
	// per second. Outbound fan-out is never limited.
	RateLimit int

	// IdleTimeout closes connections with no inbound frame for this long.
	IdleTimeout time.Duration
}

const (
	defaultRateLimit   = 100
	defaultIdleTimeout = 5 * time.Minute
)

// Hub owns the dedicated pub/sub connection and every live WebSocket
// connection. One guild maps to one Redis pattern subscription, opened on
// the first subscriber and closed with the last.
type Hub struct {
	cfg      Config
	logger   zerolog.Logger
	registry *Registry
	upgrader websocket.Upgrader

	client *redis.Client
	psMu   sync.Mutex
	pubsub *redis.PubSub
	// pending holds guild patterns requested before Run attached the
	// pub/sub connection. Run replays them once it does.
	pending map[string]struct{}
	ctx     context.Context

	connsMu sync.Mutex
	conns   map[string]*Conn

	connected     atomic.Int64
	subscriptions atomic.Int64
	latencySumUs  atomic.Int64
	latencyCount  atomic.Int64
	perMinute     minuteCounter
}

// NewHub creates a hub over a dedicated pub/sub client. The same client
// must not be shared with the query path.
func NewHub(client *redis.Client, logger zerolog.Logger, cfg Config) *Hub {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The debugger UI is served from anywhere on the internal
			// network; the REST surface is equally open.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		client:  client,
		pending: make(map[string]struct{}),
		conns:   make(map[string]*Conn),
	}
}

// Run opens the pub/sub connection and dispatches inbound events until ctx
// is cancelled. Guild listeners requested before Run attaches are opened
// here, so early ServeWS connections never lose their subscription.
func (h *Hub) Run(ctx context.Context) {
	h.psMu.Lock()
	h.ctx = ctx
	h.pubsub = h.client.PSubscribe(ctx)
	for guildID := range h.pending {
		if err := h.pubsub.PSubscribe(ctx, guildID+":*"); err != nil {
			h.logger.Error().Err(err).Str("guild_id", guildID).Msg("psubscribe replay failed")
		}
	}
	h.pending = make(map[string]struct{})
	ch := h.pubsub.Channel()
	h.psMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.dispatch(msg)
		}
	}
}

// dispatch decodes one Redis pub/sub event exactly once and fans it out to
// every connection with a matching subscription.
func (h *Hub) dispatch(msg *redis.Message) {
	start := time.Now()

	guildID, topicName, ok := store.SplitTopicKey(msg.Channel)
	if !ok {
		return
	}

	decoded, ok := store.DecodeMessage(msg.Payload)
	if !ok {
		h.logger.Debug().Str("channel", msg.Channel).Msg("skipping undecodable pub/sub payload")
		return
	}

	frame := mustFrame(TypeMessage, MessageEvent{
		GuildID:   guildID,
		TopicName: topicName,
		Message:   decoded,
	})

	delivered := 0
	for _, c := range h.registry.Conns(guildID) {
		if !c.matches(guildID, topicName) {
			continue
		}
		if c.enqueue(frame) {
			delivered++
		} else {
			metrics.WSDroppedFrames.Inc()
		}
	}

	if delivered > 0 {
		h.perMinute.incr(start)
		h.latencySumUs.Add(time.Since(start).Microseconds())
		h.latencyCount.Add(1)
		metrics.WSDeliveredEvents.Add(float64(delivered))
	}
}

// ServeWS upgrades the request and runs the connection to completion.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, sock)

	h.connsMu.Lock()
	h.conns[c.id] = c
	h.connsMu.Unlock()

	h.connected.Add(1)
	metrics.WSConnections.Inc()

	go c.writePump()

	c.reply(mustFrame(TypeConnected, ConnectedData{ConnectionID: c.id}))
	c.state.Store(stateOpen)

	h.logger.Info().Str("connection_id", c.id).Msg("websocket connected")

	c.readPump()
}

// subscribed opens the guild's channel listener when this is its first
// reference.
func (h *Hub) subscribed(guildID string, c *Conn) {
	h.subscriptions.Add(1)
	metrics.WSSubscriptions.Inc()

	if h.registry.Add(guildID, c) {
		h.psMu.Lock()
		if h.pubsub == nil {
			h.pending[guildID] = struct{}{}
		} else if err := h.pubsub.PSubscribe(h.ctx, guildID+":*"); err != nil {
			h.logger.Error().Err(err).Str("guild_id", guildID).Msg("psubscribe failed")
		}
		h.psMu.Unlock()
	}
}

// unsubscribed tears the guild's channel listener down when the last
// reference is gone.
func (h *Hub) unsubscribed(guildID string, c *Conn) {
	h.subscriptions.Add(-1)
	metrics.WSSubscriptions.Dec()

	if h.registry.Remove(guildID, c) {
		h.punsubscribe(guildID)
	}
}

// closeConn deregisters all of a connection's subscriptions synchronously,
// tears down now-unreferenced channel listeners, and closes the socket.
// Leaking listeners here is the primary failure mode to guard against.
func (h *Hub) closeConn(c *Conn) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)

		h.connsMu.Lock()
		delete(h.conns, c.id)
		h.connsMu.Unlock()

		refs, subCount := c.drainGuildRefs()
		for _, guildID := range h.registry.RemoveConn(c, refs) {
			h.punsubscribe(guildID)
		}

		h.subscriptions.Add(int64(-subCount))
		metrics.WSSubscriptions.Sub(float64(subCount))
		h.connected.Add(-1)
		metrics.WSConnections.Dec()

		close(c.done)
		_ = c.ws.Close()
		c.state.Store(stateClosed)

		h.logger.Info().Str("connection_id", c.id).Msg("websocket closed")
	})
}

func (h *Hub) punsubscribe(guildID string) {
	h.psMu.Lock()
	defer h.psMu.Unlock()
	if h.pubsub == nil {
		delete(h.pending, guildID)
		return
	}
	if err := h.pubsub.PUnsubscribe(h.ctx, guildID+":*"); err != nil {
		h.logger.Error().Err(err).Str("guild_id", guildID).Msg("punsubscribe failed")
	}
}

// Stats snapshots the process-wide counters.
func (h *Hub) Stats() StatsData {
	var avgMs float64
	if n := h.latencyCount.Load(); n > 0 {
		avgMs = float64(h.latencySumUs.Load()) / float64(n) / 1000
	}
	return StatsData{
		ConnectedClients:    h.connected.Load(),
		ActiveSubscriptions: h.subscriptions.Load(),
		MessagesPerMinute:   h.perMinute.rate(time.Now()),
		AverageLatency:      avgMs,
	}
}

// shutdown closes every connection and the pub/sub channel.
func (h *Hub) shutdown() {
	h.connsMu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		h.closeConn(c)
	}

	h.psMu.Lock()
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
	h.psMu.Unlock()
}

// minuteCounter estimates events per minute over a sliding window: the
// previous full minute's count is blended with the current partial one.
type minuteCounter struct {
	mu          sync.Mutex
	windowStart time.Time
	current     int64
	previous    int64
}

func (m *minuteCounter) incr(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll(now)
	m.current++
}

func (m *minuteCounter) rate(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll(now)
	frac := now.Sub(m.windowStart).Seconds() / 60
	return float64(m.previous)*(1-frac) + float64(m.current)
}

func (m *minuteCounter) roll(now time.Time) {
	if m.windowStart.IsZero() {
		m.windowStart = now
		return
	}
	elapsed := now.Sub(m.windowStart)
	switch {
	case elapsed >= 2*time.Minute:
		m.previous = 0
		m.current = 0
		m.windowStart = now
	case elapsed >= time.Minute:
		m.previous = m.current
		m.current = 0
		m.windowStart = m.windowStart.Add(time.Minute)
	}
}
