package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/store"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.NewWithClient(client), zerolog.Nop()), mr
}

func seed(t *testing.T, mr *miniredis.Miniredis, guildID, topic string, msgs ...models.Message) {
	t.Helper()
	key := store.TopicKey(guildID, topic)
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := mr.ZAdd(key, float64(m.Timestamp), string(b)); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}
}

func msg(id string, ts int64, recipients ...string) models.Message {
	m := models.Message{ID: id, Timestamp: ts, Sender: models.AgentRef{ID: "sender", Name: "Sender"}}
	for _, r := range recipients {
		m.RecipientList = append(m.RecipientList, models.AgentRef{ID: r, Name: r})
	}
	return m
}

func TestListGuildsSynthesizesFromPrefixes(t *testing.T) {
	svc, mr := newTestService(t)
	now := time.Now().UnixMilli()

	seed(t, mr, "guild-b", "general", msg("0000000000000001", now))
	seed(t, mr, "guild-a", "general", msg("0000000000000002", now))
	seed(t, mr, "guild-a", "alerts", msg("0000000000000003", now-1000))

	// Reserved namespaces must never become guilds.
	mr.Set("msg:guild-a:0000000000000002", "{}")
	mr.Set("managed_state:whatever", "x")
	mr.Set("guildscope:export:abc", "{}")
	mr.Set("asynq:queues", "x")

	guilds, err := svc.ListGuilds(context.Background(), GuildFilter{})
	if err != nil {
		t.Fatalf("ListGuilds: %v", err)
	}
	if len(guilds) != 2 {
		t.Fatalf("expected 2 guilds, got %d: %+v", len(guilds), guilds)
	}
	if guilds[0].ID != "guild-a" || guilds[1].ID != "guild-b" {
		t.Fatalf("expected name-ascending order, got %+v", guilds)
	}
	if guilds[0].TopicCount != 2 {
		t.Fatalf("expected 2 topics for guild-a, got %d", guilds[0].TopicCount)
	}
	if guilds[0].LastActivity != now {
		t.Fatalf("expected last activity %d, got %d", now, guilds[0].LastActivity)
	}
	if guilds[0].Status != models.GuildActive {
		t.Fatalf("expected active status, got %s", guilds[0].Status)
	}
}

func TestListGuildsSortAndStatusFilter(t *testing.T) {
	svc, mr := newTestService(t)
	now := time.Now().UnixMilli()
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	seed(t, mr, "fresh", "general", msg("0000000000000001", now))
	seed(t, mr, "stale", "general", msg("0000000000000002", old))

	guilds, err := svc.ListGuilds(context.Background(), GuildFilter{SortBy: "lastActivity", SortOrder: "desc"})
	if err != nil {
		t.Fatalf("ListGuilds: %v", err)
	}
	if len(guilds) != 2 || guilds[0].ID != "fresh" {
		t.Fatalf("expected fresh first on desc lastActivity, got %+v", guilds)
	}

	idle, err := svc.ListGuilds(context.Background(), GuildFilter{Status: models.GuildIdle})
	if err != nil {
		t.Fatalf("ListGuilds: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "stale" {
		t.Fatalf("expected only stale idle, got %+v", idle)
	}
}

func TestGetGuildReturnsNilWhenAbsent(t *testing.T) {
	svc, mr := newTestService(t)
	seed(t, mr, "guild-1", "general", msg("0000000000000001", 1000))

	g, err := svc.GetGuild(context.Background(), "guild-1")
	if err != nil {
		t.Fatalf("GetGuild: %v", err)
	}
	if g == nil || g.ID != "guild-1" || g.TopicCount != 1 {
		t.Fatalf("unexpected guild %+v", g)
	}

	missing, err := svc.GetGuild(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetGuild: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for absent guild, got %+v", missing)
	}
}

func TestInferTopicType(t *testing.T) {
	svc, mr := newTestService(t)

	seed(t, mr, "g", "jobs", msg("0000000000000001", 1000), msg("0000000000000002", 2000))
	seed(t, mr, "g", "direct", msg("0000000000000003", 1000, "agent-1"), msg("0000000000000004", 2000, "agent-1"))
	seed(t, mr, "g", "announce", msg("0000000000000005", 1000, "agent-1", "agent-2"))

	cases := map[string]models.TopicType{
		"jobs":     models.TopicQueue,
		"direct":   models.TopicDirect,
		"announce": models.TopicBroadcast,
	}
	for topic, want := range cases {
		got, err := svc.InferTopicType(context.Background(), store.TopicKey("g", topic))
		if err != nil {
			t.Fatalf("InferTopicType(%s): %v", topic, err)
		}
		if got != want {
			t.Fatalf("topic %s: expected %s, got %s", topic, want, got)
		}
	}
}

func TestListTopics(t *testing.T) {
	svc, mr := newTestService(t)
	seed(t, mr, "g", "general", msg("0000000000000001", 1000), msg("0000000000000002", 2000))
	seed(t, mr, "g", "direct", msg("0000000000000003", 3000, "agent-1"))

	topics, err := svc.ListTopics(context.Background(), "g", TopicOptions{IncludeStats: true})
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %+v", topics)
	}
	if topics[0].Name != "direct" || topics[1].Name != "general" {
		t.Fatalf("expected name order, got %+v", topics)
	}
	if topics[1].MessageCount != 2 || topics[1].LastActivity != 2000 {
		t.Fatalf("unexpected stats for general: %+v", topics[1])
	}

	queues, err := svc.ListTopics(context.Background(), "g", TopicOptions{Type: models.TopicQueue})
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(queues) != 1 || queues[0].Name != "general" {
		t.Fatalf("expected general as only queue topic, got %+v", queues)
	}
}
