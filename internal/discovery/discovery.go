// Package discovery infers guilds and topics from Redis key conventions.
// No explicit registry exists: a guild is the substring before the first
// colon of any non-reserved key, and every derived attribute is recomputed
// per request (optionally fronted by a short-lived cache that is never
// authoritative).
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/store"
)

const (
	// topicSampleSize bounds the recent-message sample used for type
	// inference. Deliberately small: ListTopics with stats is
	// O(topics x sampleSize).
	topicSampleSize = 100

	// A guild with traffic inside this window is reported active.
	activityWindow = 24 * time.Hour

	cacheKeyGuilds = "guildscope:cache:guilds"
	cacheTTL       = 30 * time.Second
)

// GuildFilter narrows and orders a guild listing.
type GuildFilter struct {
	Status    string
	SortBy    string // "name", "namespace" or "lastActivity"
	SortOrder string // "asc" (default) or "desc"
}

// TopicOptions narrows a topic listing.
type TopicOptions struct {
	Type         models.TopicType
	IncludeStats bool
}

// Service answers guild and topic lookups over a keyspace snapshot.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a discovery service.
func New(s *store.Store, logger zerolog.Logger) *Service {
	return &Service{store: s, logger: logger, now: time.Now}
}

// ListGuilds scans the full keyspace, synthesizes one Guild per distinct
// non-reserved prefix, and applies the optional status filter and sort.
func (svc *Service) ListGuilds(ctx context.Context, f GuildFilter) ([]models.Guild, error) {
	guilds, err := svc.snapshotGuilds(ctx)
	if err != nil {
		return nil, err
	}

	if f.Status != "" {
		filtered := guilds[:0]
		for _, g := range guilds {
			if g.Status == f.Status {
				filtered = append(filtered, g)
			}
		}
		guilds = filtered
	}

	sortGuilds(guilds, f.SortBy, f.SortOrder)
	return guilds, nil
}

// GetGuild returns nil (not an error) when no key begins with "{id}:".
func (svc *Service) GetGuild(ctx context.Context, id string) (*models.Guild, error) {
	if id == "" {
		return nil, nil
	}
	keys, err := svc.guildTopicKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	g, err := svc.buildGuild(ctx, id, keys)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListTopics scans "{guildId}:*" and synthesizes one Topic per distinct key.
// Stats computation is delegated to the query engine by the caller; here
// IncludeStats only controls whether counts and type inference run per
// topic.
func (svc *Service) ListTopics(ctx context.Context, guildID string, opts TopicOptions) ([]models.Topic, error) {
	keys, err := svc.guildTopicKeys(ctx, guildID)
	if err != nil {
		return nil, err
	}

	topics := make([]models.Topic, 0, len(keys))
	for _, key := range keys {
		_, name, ok := store.SplitTopicKey(key)
		if !ok {
			continue
		}

		topicType, err := svc.InferTopicType(ctx, key)
		if err != nil {
			return nil, err
		}
		if opts.Type != "" && topicType != opts.Type {
			continue
		}

		topic := models.Topic{GuildID: guildID, Name: name, Type: topicType}

		if opts.IncludeStats {
			count, err := svc.store.TopicMessageCount(ctx, key, "-inf", "+inf")
			if err != nil {
				return nil, err
			}
			last, err := svc.store.TopicLastActivity(ctx, key)
			if err != nil {
				return nil, err
			}
			topic.MessageCount = count
			topic.LastActivity = last
		}

		topics = append(topics, topic)
	}

	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

// InferTopicType classifies a topic from the distinct recipients observed in
// a bounded recent sample: none means queue, one means direct, more means
// broadcast.
func (svc *Service) InferTopicType(ctx context.Context, key string) (models.TopicType, error) {
	sample, err := svc.store.RecentMessages(ctx, key, topicSampleSize)
	if err != nil {
		return "", err
	}

	recipients := make(map[string]struct{})
	for _, msg := range sample {
		for _, r := range msg.RecipientList {
			recipients[r.ID] = struct{}{}
		}
	}

	switch len(recipients) {
	case 0:
		return models.TopicQueue, nil
	case 1:
		return models.TopicDirect, nil
	default:
		return models.TopicBroadcast, nil
	}
}

// snapshotGuilds builds the guild list from a fresh keyspace scan, fronted
// by a bounded-TTL cache. The cache is a read accelerator only; a miss or a
// decode failure always falls through to the scan.
func (svc *Service) snapshotGuilds(ctx context.Context) ([]models.Guild, error) {
	var cached []models.Guild
	if found, err := svc.store.GetJSON(ctx, cacheKeyGuilds, &cached); err == nil && found {
		return cached, nil
	}

	byGuild := make(map[string][]string)
	err := svc.store.ScanKeys(ctx, "*", func(key string) error {
		if store.Reserved(key) {
			return nil
		}
		guildID, _, ok := store.SplitTopicKey(key)
		if !ok {
			return nil
		}
		byGuild[guildID] = append(byGuild[guildID], key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	guilds := make([]models.Guild, 0, len(byGuild))
	for id, keys := range byGuild {
		g, err := svc.buildGuild(ctx, id, keys)
		if err != nil {
			return nil, err
		}
		guilds = append(guilds, g)
	}

	if err := svc.store.SetJSON(ctx, cacheKeyGuilds, guilds, cacheTTL); err != nil {
		svc.logger.Warn().Err(err).Msg("guild snapshot cache write failed")
	}
	return guilds, nil
}

// buildGuild computes derived metadata for one prefix: topic count and the
// max score across the guild's topic sorted sets.
func (svc *Service) buildGuild(ctx context.Context, id string, keys []string) (models.Guild, error) {
	var last int64
	for _, key := range keys {
		activity, err := svc.store.TopicLastActivity(ctx, key)
		if err != nil {
			return models.Guild{}, err
		}
		if activity > last {
			last = activity
		}
	}

	status := models.GuildIdle
	if last > 0 && svc.now().Sub(time.UnixMilli(last)) <= activityWindow {
		status = models.GuildActive
	}

	return models.Guild{
		ID:           id,
		Name:         id,
		Namespace:    id,
		TopicCount:   len(keys),
		LastActivity: last,
		Status:       status,
	}, nil
}

func (svc *Service) guildTopicKeys(ctx context.Context, guildID string) ([]string, error) {
	if guildID == "" {
		return nil, nil
	}
	var keys []string
	err := svc.store.ScanKeys(ctx, guildID+":*", func(key string) error {
		if !store.Reserved(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// sortGuilds orders by the caller-specified key with guild ID as tie-break,
// ascending unless order is "desc".
func sortGuilds(guilds []models.Guild, sortBy, order string) {
	less := func(a, b models.Guild) bool {
		switch sortBy {
		case "lastActivity":
			if a.LastActivity != b.LastActivity {
				return a.LastActivity < b.LastActivity
			}
		case "namespace":
			if a.Namespace != b.Namespace {
				return a.Namespace < b.Namespace
			}
		default: // "name" and unspecified
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		}
		return a.ID < b.ID
	}

	sort.Slice(guilds, func(i, j int) bool {
		if order == "desc" {
			return less(guilds[j], guilds[i])
		}
		return less(guilds[i], guilds[j])
	})
}
