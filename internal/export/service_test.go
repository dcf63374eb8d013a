package export

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/query"
	"github.com/guildscope/guildscope/internal/store"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, *[]*asynq.Task) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client)
	engine := query.New(st, zerolog.Nop(), query.Options{})

	var enqueued []*asynq.Task
	svc := New(st, engine, nil, t.TempDir(), zerolog.Nop()).
		WithEnqueue(func(ctx context.Context, task *asynq.Task) error {
			enqueued = append(enqueued, task)
			return nil
		})
	return svc, mr, &enqueued
}

func seedTopic(t *testing.T, mr *miniredis.Miniredis, guildID, topic string, n int) []models.Message {
	t.Helper()
	base := time.Now().UnixMilli() - int64(n*1000)
	key := store.TopicKey(guildID, topic)

	var msgs []models.Message
	for i := 0; i < n; i++ {
		m := models.Message{
			ID:        fmt.Sprintf("%016x", uint64(base+int64(i*1000))<<16|uint64(i&0xfff)),
			Timestamp: base + int64(i*1000),
			Sender:    models.AgentRef{ID: "sender-1", Name: "Sender"},
			Topics:    []string{topic},
			Payload:   json.RawMessage(`{"n":` + fmt.Sprint(i) + `}`),
		}
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := mr.ZAdd(key, float64(m.Timestamp), string(b)); err != nil {
			t.Fatalf("zadd: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestCreateExportValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Oversized limit fails and the message names the cap.
	_, err := svc.CreateExport(ctx, Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{GuildID: "g", Limit: 20000},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "10000") {
		t.Fatalf("expected cap in message, got %q", err.Error())
	}

	// In-range limit succeeds.
	if _, err := svc.CreateExport(ctx, Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{GuildID: "g", Limit: 5000},
	}); err != nil {
		t.Fatalf("expected success for limit 5000, got %v", err)
	}

	// Unknown format.
	_, err = svc.CreateExport(ctx, Request{
		Format: "xml",
		Filter: models.MessageFilter{GuildID: "g"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for format, got %v", err)
	}

	// Unknown status value.
	_, err = svc.CreateExport(ctx, Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{GuildID: "g", Statuses: []string{"exploded"}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for status, got %v", err)
	}

	// Missing scope.
	_, err = svc.CreateExport(ctx, Request{Format: models.FormatJSON})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing scope, got %v", err)
	}

	// Retention window.
	_, err = svc.CreateExport(ctx, Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{
			GuildID:   "g",
			TimeRange: &models.TimeRange{Start: time.Now().Add(-8 * 24 * time.Hour).UnixMilli()},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for retention, got %v", err)
	}
}

func TestCreateExportPersistsAndEnqueues(t *testing.T) {
	svc, mr, enqueued := newTestService(t)
	seedTopic(t, mr, "g", "general", 3)

	job, err := svc.CreateExport(context.Background(), Request{
		Format: models.FormatNDJSON,
		Filter: models.MessageFilter{GuildID: "g", TopicName: "general"},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	if job.Status != models.ExportPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.Metadata.MessageCount != 3 {
		t.Fatalf("expected estimate 3, got %d", job.Metadata.MessageCount)
	}
	if len(*enqueued) != 1 || (*enqueued)[0].Type() != TaskTypeExport {
		t.Fatalf("expected one export task, got %+v", *enqueued)
	}

	stored, err := svc.GetStatus(context.Background(), job.ExportID)
	if err != nil || stored == nil {
		t.Fatalf("GetStatus: %+v err=%v", stored, err)
	}

	missing, err := svc.GetStatus(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown export, got %+v err=%v", missing, err)
	}
}

func runTask(t *testing.T, svc *Service, exportID string) {
	t.Helper()
	payload, _ := json.Marshal(taskPayload{ExportID: exportID})
	task := asynq.NewTask(TaskTypeExport, payload)
	if err := svc.HandleExportTask(context.Background(), task); err != nil {
		t.Fatalf("HandleExportTask: %v", err)
	}
}

func TestExportCompletesNDJSON(t *testing.T) {
	svc, mr, _ := newTestService(t)
	seedTopic(t, mr, "g", "general", 5)

	job, err := svc.CreateExport(context.Background(), Request{
		Format: models.FormatNDJSON,
		Filter: models.MessageFilter{GuildID: "g", TopicName: "general"},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	runTask(t, svc, job.ExportID)

	done, err := svc.GetStatus(context.Background(), job.ExportID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if done.Status != models.ExportCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}
	if done.Metadata.MessageCount != 5 || done.Metadata.SizeBytes == 0 {
		t.Fatalf("unexpected final metadata %+v", done.Metadata)
	}

	raw, err := os.ReadFile(svc.ArtifactPath(done))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 ndjson lines, got %d", len(lines))
	}
	var first models.Message
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line not valid JSON: %v", err)
	}
}

func TestExportTopicOnlyScopeCompletes(t *testing.T) {
	svc, mr, _ := newTestService(t)
	seedTopic(t, mr, "g1", "general", 2)
	seedTopic(t, mr, "g2", "general", 3)
	seedTopic(t, mr, "g1", "alerts", 4)

	// A filter naming only the topic is valid at creation and must stay
	// valid in the worker: it drains the topic across every guild.
	job, err := svc.CreateExport(context.Background(), Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{TopicName: "general"},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	runTask(t, svc, job.ExportID)

	done, err := svc.GetStatus(context.Background(), job.ExportID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if done.Status != models.ExportCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}
	if done.Metadata.MessageCount != 5 {
		t.Fatalf("expected 5 messages across guilds, got %d", done.Metadata.MessageCount)
	}
}

func TestExportCSVAndGzip(t *testing.T) {
	svc, mr, _ := newTestService(t)
	seedTopic(t, mr, "g", "general", 2)

	job, err := svc.CreateExport(context.Background(), Request{
		Format:            models.FormatCSV,
		CompressionFormat: "gzip",
		Filter:            models.MessageFilter{GuildID: "g", TopicName: "general"},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	runTask(t, svc, job.ExportID)

	done, _ := svc.GetStatus(context.Background(), job.ExportID)
	if done.Status != models.ExportCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}

	f, err := os.Open(svc.ArtifactPath(done))
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	rows, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatalf("csv read: %v", err)
	}
	// Header plus two rows.
	if len(rows) != 3 {
		t.Fatalf("expected 3 csv rows, got %d", len(rows))
	}
	if rows[0][0] != "id" {
		t.Fatalf("unexpected header %v", rows[0])
	}
}

func TestExportHonorsLimit(t *testing.T) {
	svc, mr, _ := newTestService(t)
	seedTopic(t, mr, "g", "general", 10)

	job, err := svc.CreateExport(context.Background(), Request{
		Format: models.FormatJSON,
		Filter: models.MessageFilter{GuildID: "g", TopicName: "general", Limit: 4},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	runTask(t, svc, job.ExportID)

	done, _ := svc.GetStatus(context.Background(), job.ExportID)
	if done.Metadata.MessageCount != 4 {
		t.Fatalf("expected 4 exported, got %d", done.Metadata.MessageCount)
	}

	raw, err := os.ReadFile(svc.ArtifactPath(done))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var got []models.Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 messages in artifact, got %d", len(got))
	}
}

func TestExportFailureIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)

	// A filter that passes creation-time checks but dies in the worker:
	// retention is re-validated when the query runs.
	job := &models.ExportJob{
		ExportID: "doomed",
		Format:   models.FormatJSON,
		Status:   models.ExportPending,
		Filter: models.MessageFilter{
			GuildID:   "g",
			TimeRange: &models.TimeRange{Start: time.Now().Add(-9 * 24 * time.Hour).UnixMilli()},
		},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := svc.store.SetJSON(context.Background(), jobKey(job.ExportID), job, time.Hour); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	runTask(t, svc, job.ExportID)

	failed, _ := svc.GetStatus(context.Background(), job.ExportID)
	if failed.Status != models.ExportFailed || failed.Error == "" {
		t.Fatalf("expected failed job with recorded error, got %+v", failed)
	}

	// Re-running the task must not resurrect a terminal job.
	failed.Error = "original"
	_ = svc.store.SetJSON(context.Background(), jobKey(job.ExportID), failed, time.Hour)
	runTask(t, svc, job.ExportID)

	again, _ := svc.GetStatus(context.Background(), job.ExportID)
	if again.Status != models.ExportFailed || again.Error != "original" {
		t.Fatalf("terminal job mutated on retry: %+v", again)
	}
}
