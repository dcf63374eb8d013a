package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/gemstone"
	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.NewWithClient(client), zerolog.Nop(), Options{}), mr
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

func mkMsg(i int, ts int64) models.Message {
	return models.Message{
		ID:        fmt.Sprintf("%016x", uint64(ts)<<16|uint64(i&0xfff)),
		Timestamp: ts,
		Sender:    models.AgentRef{ID: "sender-1", Name: "Sender One"},
		Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
	}
}

func TestRetentionEnforcedBeforeRedis(t *testing.T) {
	e, _ := newTestEngine(t)

	eightDays := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	_, err := e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID:   "g",
		TimeRange: &models.TimeRange{Start: eightDays},
	})
	if !errors.Is(err, ErrRetentionWindowExceeded) {
		t.Fatalf("expected ErrRetentionWindowExceeded, got %v", err)
	}

	sixDays := time.Now().Add(-6 * 24 * time.Hour).UnixMilli()
	res, err := e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID:   "g",
		TimeRange: &models.TimeRange{Start: sixDays},
	})
	if err != nil {
		t.Fatalf("expected success inside retention window, got %v", err)
	}
	if res.Total != 0 || res.HasMore {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMissingScope(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.QueryMessages(context.Background(), models.MessageFilter{})
	if !errors.Is(err, ErrMissingScope) {
		t.Fatalf("expected ErrMissingScope, got %v", err)
	}
}

func TestTopicOnlyScopeFansOutAcrossGuilds(t *testing.T) {
	e, mr := newTestEngine(t)
	base := time.Now().UnixMilli() - 10_000

	seed(t, mr, "g1", "general", mkMsg(1, base+1000))
	seed(t, mr, "g2", "general", mkMsg(2, base+2000))
	seed(t, mr, "g1", "alerts", mkMsg(3, base+3000))
	// Same name suffix but a different topic: must not leak in.
	seed(t, mr, "g3", "sub:general", mkMsg(4, base+4000))

	res, err := e.QueryMessages(context.Background(), models.MessageFilter{TopicName: "general"})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("expected 2 messages across guilds, got %d", res.Total)
	}
	if res.Messages[0].Timestamp < res.Messages[1].Timestamp {
		t.Fatalf("expected newest first, got %d then %d", res.Messages[0].Timestamp, res.Messages[1].Timestamp)
	}
}

func TestTopicQueryPagination(t *testing.T) {
	e, mr := newTestEngine(t)
	base := time.Now().UnixMilli() - 10_000

	var msgs []models.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, mkMsg(i, base+int64(i*1000)))
	}
	seed(t, mr, "g", "general", msgs...)

	res, err := e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", TopicName: "general", Limit: 2,
	})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(res.Messages) != 2 || !res.HasMore || res.Total != 5 {
		t.Fatalf("unexpected page: len=%d hasMore=%v total=%d", len(res.Messages), res.HasMore, res.Total)
	}
	// Newest first.
	if res.Messages[0].Timestamp < res.Messages[1].Timestamp {
		t.Fatalf("expected newest first, got %d then %d", res.Messages[0].Timestamp, res.Messages[1].Timestamp)
	}

	// Last page: exactly the remainder, no more.
	res, err = e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", TopicName: "general", Limit: 2, Offset: 4,
	})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(res.Messages) != 1 || res.HasMore {
		t.Fatalf("unexpected final page: len=%d hasMore=%v", len(res.Messages), res.HasMore)
	}

	// Offset past the end.
	res, err = e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", TopicName: "general", Limit: 2, Offset: 10,
	})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(res.Messages) != 0 || res.HasMore {
		t.Fatalf("expected empty page, got %+v", res)
	}
}

func TestGuildFanOutMergesNewestFirst(t *testing.T) {
	e, mr := newTestEngine(t)
	base := time.Now().UnixMilli() - 10_000

	seed(t, mr, "g", "alpha", mkMsg(1, base+1000), mkMsg(3, base+3000))
	seed(t, mr, "g", "beta", mkMsg(2, base+2000), mkMsg(4, base+4000))

	res, err := e.QueryMessages(context.Background(), models.MessageFilter{GuildID: "g"})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("expected 4 merged messages, got %d", res.Total)
	}
	for i := 1; i < len(res.Messages); i++ {
		if res.Messages[i-1].Timestamp < res.Messages[i].Timestamp {
			t.Fatalf("merge not newest first at %d", i)
		}
	}
}

func TestInMemoryFilters(t *testing.T) {
	e, mr := newTestEngine(t)
	base := time.Now().UnixMilli() - 10_000

	completed := mkMsg(1, base+1000)
	completed.ProcessStatus = models.StatusCompleted

	errored := mkMsg(2, base+2000)
	errored.ProcessStatus = models.StatusError
	errored.IsErrorMessage = true
	errored.RecipientList = []models.AgentRef{{ID: "agent-7", Name: "Seven"}}

	threaded := mkMsg(3, base+3000)
	threaded.Thread = []string{"0000000000000007", threaded.ID}

	payload := mkMsg(4, base+4000)
	payload.Payload = json.RawMessage(`{"action":"restart","target":"worker"}`)

	seed(t, mr, "g", "general", completed, errored, threaded, payload)

	res, err := e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", Statuses: []string{models.StatusError},
	})
	if err != nil || res.Total != 1 || res.Messages[0].ID != errored.ID {
		t.Fatalf("status filter failed: %+v err=%v", res, err)
	}

	// Agent matches recipient identity too.
	res, err = e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", AgentID: "agent-7",
	})
	if err != nil || res.Total != 1 || res.Messages[0].ID != errored.ID {
		t.Fatalf("agent filter failed: %+v err=%v", res, err)
	}

	// Thread membership via ancestor list.
	res, err = e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", ThreadID: "0000000000000007",
	})
	if err != nil || res.Total != 1 || res.Messages[0].ID != threaded.ID {
		t.Fatalf("thread filter failed: %+v err=%v", res, err)
	}

	// Free-text over serialized payload, case-insensitive.
	res, err = e.QueryMessages(context.Background(), models.MessageFilter{
		GuildID: "g", SearchText: "RESTART",
	})
	if err != nil || res.Total != 1 || res.Messages[0].ID != payload.ID {
		t.Fatalf("search filter failed: %+v err=%v", res, err)
	}
}

func TestFilteredPaginationInvariant(t *testing.T) {
	e, mr := newTestEngine(t)
	base := time.Now().UnixMilli() - 60_000

	var msgs []models.Message
	for i := 0; i < 10; i++ {
		m := mkMsg(i, base+int64(i*1000))
		if i%2 == 0 {
			m.ProcessStatus = models.StatusCompleted
		}
		msgs = append(msgs, m)
	}
	seed(t, mr, "g", "general", msgs...)

	filter := models.MessageFilter{
		GuildID: "g", TopicName: "general",
		Statuses: []string{models.StatusCompleted},
		Limit:    2,
	}

	var collected []string
	offset := 0
	for {
		filter.Offset = offset
		res, err := e.QueryMessages(context.Background(), filter)
		if err != nil {
			t.Fatalf("QueryMessages: %v", err)
		}
		if len(res.Messages) > filter.Limit {
			t.Fatalf("page longer than limit: %d", len(res.Messages))
		}
		for _, m := range res.Messages {
			collected = append(collected, m.ID)
		}
		if !res.HasMore {
			break
		}
		offset += filter.Limit
	}
	if len(collected) != 5 {
		t.Fatalf("expected 5 completed messages across pages, got %d", len(collected))
	}
}

func TestGetMessage(t *testing.T) {
	e, mr := newTestEngine(t)

	id, err := gemstone.FromParts(1700000000000, 3, 42)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}
	msg := models.Message{ID: id.String(), Timestamp: 1700000000000}
	b, _ := json.Marshal(msg)
	mr.Set("msg:guild-1:"+id.String(), string(b))

	got, err := e.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil || got.ID != id.String() {
		t.Fatalf("expected message, got %+v", got)
	}

	other, _ := gemstone.FromParts(1700000000001, 3, 42)
	missing, err := e.GetMessage(context.Background(), other)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for absent message, got %+v err=%v", missing, err)
	}
}

func TestTopicStats(t *testing.T) {
	e, mr := newTestEngine(t)
	now := time.Now().UnixMilli()

	var msgs []models.Message
	for i := 0; i < 20; i++ {
		m := mkMsg(i, now-int64(i*1000))
		m.MessageHistory = []models.StatusTransition{{
			Agent:     models.AgentRef{ID: "worker-1", Name: "Worker"},
			Status:    models.StatusCompleted,
			Timestamp: m.Timestamp + int64(10+i*5),
		}}
		if i%5 == 0 {
			m.IsErrorMessage = true
		}
		m.RecipientList = []models.AgentRef{{ID: "agent-1", Name: "One"}}
		msgs = append(msgs, m)
	}
	seed(t, mr, "g", "general", msgs...)

	stats, err := e.GetTopicStats(context.Background(), "g", "general", time.Hour)
	if err != nil {
		t.Fatalf("GetTopicStats: %v", err)
	}
	if stats.MessageCount != 20 {
		t.Fatalf("expected exact count 20, got %d", stats.MessageCount)
	}
	if stats.ErrorCount != 4 {
		t.Fatalf("expected 4 errors in sample, got %d", stats.ErrorCount)
	}
	if stats.Throughput <= 0 {
		t.Fatalf("expected positive throughput, got %f", stats.Throughput)
	}
	// Percentiles are approximations; assert boundedness and monotonic
	// sanity only.
	if stats.LatencyP50 > stats.LatencyP95 || stats.LatencyP95 > stats.LatencyP99 {
		t.Fatalf("percentiles not monotonic: p50=%f p95=%f p99=%f",
			stats.LatencyP50, stats.LatencyP95, stats.LatencyP99)
	}
	if len(stats.TopPublishers) != 1 || stats.TopPublishers[0].Agent.ID != "sender-1" {
		t.Fatalf("unexpected top publishers %+v", stats.TopPublishers)
	}
	if len(stats.TopSubscribers) != 1 || stats.TopSubscribers[0].Count != 20 {
		t.Fatalf("unexpected top subscribers %+v", stats.TopSubscribers)
	}
}
