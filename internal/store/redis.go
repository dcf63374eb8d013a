// Package store is the Redis access layer. The debugger owns none of the
// data it reads: messages are serialized into topic sorted sets by the
// runtime, and every decode failure is treated as an absent record rather
// than an error.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guildscope/guildscope/internal/metrics"
	"github.com/guildscope/guildscope/internal/models"
)

// Key prefixes that never denote a guild namespace.
var reservedPrefixes = []string{
	"msg:",
	"managed_state:",
	"guildscope:",
	"asynq:", // export queue bookkeeping shares the instance
}

const scanPageSize = 500

// Store wraps the command connection. Pub/sub traffic uses a separate
// dedicated connection owned by the subscription manager, so a slow
// blocking command never delays live-event delivery.
type Store struct {
	client *redis.Client
}

// New connects the command client and verifies the connection.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for callers that need raw commands.
func (s *Store) Client() *redis.Client {
	return s.client
}

// TopicKey returns the sorted-set key backing a topic.
func TopicKey(guildID, topicName string) string {
	return guildID + ":" + topicName
}

// SplitTopicKey splits a topic key into guild ID and topic name. The second
// return is false when the key carries no namespace separator.
func SplitTopicKey(key string) (guildID, topicName string, ok bool) {
	i := strings.Index(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Reserved reports whether a key belongs to a non-guild namespace.
func Reserved(key string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ScanKeys pages through the keyspace with SCAN (never blocking KEYS) and
// calls fn for every key matching pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// DecodeMessage deserializes one stored member. A false second return means
// the member was not valid message JSON and should be skipped.
func DecodeMessage(raw string) (models.Message, bool) {
	var msg models.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return models.Message{}, false
	}
	if msg.ID == "" {
		return models.Message{}, false
	}
	return msg, true
}

// ScoreBound formats a sorted-set score bound, using -inf/+inf for the zero
// value.
func ScoreBound(ms int64, max bool) string {
	if ms == 0 {
		if max {
			return "+inf"
		}
		return "-inf"
	}
	return fmt.Sprintf("%d", ms)
}

// TopicMessages reads a topic's messages in score range [min, max], newest
// first when rev is set. Count<=0 reads the whole range. Malformed members
// are skipped.
func (s *Store) TopicMessages(ctx context.Context, key, min, max string, offset, count int64, rev bool) ([]models.Message, error) {
	rangeBy := &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: count}

	start := time.Now()
	defer func() {
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		raw []string
		err error
	)
	if rev {
		raw, err = s.client.ZRevRangeByScore(ctx, key, rangeBy).Result()
	} else {
		raw, err = s.client.ZRangeByScore(ctx, key, rangeBy).Result()
	}
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(raw))
	for _, member := range raw {
		if msg, ok := DecodeMessage(member); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// TopicMessageCount returns the exact cardinality of a topic's score range.
func (s *Store) TopicMessageCount(ctx context.Context, key, min, max string) (int64, error) {
	return s.client.ZCount(ctx, key, min, max).Result()
}

// TopicLastActivity returns the score of the newest member, or 0 for an
// empty topic.
func (s *Store) TopicLastActivity(ctx context.Context, key string) (int64, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return int64(entries[0].Score), nil
}

// RecentMessages reads the newest n members of a topic, skipping malformed
// entries.
func (s *Store) RecentMessages(ctx context.Context, key string, n int64) ([]models.Message, error) {
	raw, err := s.client.ZRevRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(raw))
	for _, member := range raw {
		if msg, ok := DecodeMessage(member); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// LookupMessage scans the msg:* point-lookup keys for the given ID and
// decodes the first hit. Acceptable as a point lookup because IDs are
// globally unique. Returns nil when no key exists or the stored JSON is
// corrupt.
func (s *Store) LookupMessage(ctx context.Context, id string) (*models.Message, error) {
	var found *models.Message
	pattern := "msg:*:" + id
	err := s.ScanKeys(ctx, pattern, func(key string) error {
		if found != nil {
			return nil
		}
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if msg, ok := DecodeMessage(raw); ok {
			found = &msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SetJSON stores a JSON value under the debugger's own namespace with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, b, ttl).Err()
}

// GetJSON loads a JSON value. A false first return means the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}
