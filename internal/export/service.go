// Package export runs filtered bulk extraction asynchronously. A POST
// creates a job and enqueues a task; a worker re-runs the query engine
// against the stored filter, writes the artifact to the spool directory,
// and transitions the job to a terminal state exactly once.
package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/metrics"
	"github.com/guildscope/guildscope/internal/models"
	"github.com/guildscope/guildscope/internal/query"
	"github.com/guildscope/guildscope/internal/store"
)

// TaskTypeExport is the asynq task type for export processing.
const TaskTypeExport = "export:run"

// QueueName is the asynq queue exports are processed on.
const QueueName = "exports"

const (
	// MaxExportLimit caps the number of messages in one export.
	MaxExportLimit = 10000

	// jobTTL bounds how long job state and artifacts stay addressable.
	jobTTL = 24 * time.Hour

	// pageSize is the query page size used while draining the filter.
	pageSize = 500

	// estimatedMessageBytes sizes the creation-time estimate.
	estimatedMessageBytes = 512
)

// ErrValidation covers every export/filter schema violation.
var ErrValidation = errors.New("export: validation failed")

// Request is the body of POST /export.
type Request struct {
	Filter            models.MessageFilter `json:"filter"`
	Format            string               `json:"format"`
	IncludeMetadata   bool                 `json:"includeMetadata,omitempty"`
	IncludeRouting    bool                 `json:"includeRouting,omitempty"`
	CompressionFormat string               `json:"compressionFormat,omitempty"`
}

// taskPayload is what travels through the queue; everything else is loaded
// from the stored job so the queue never carries stale filters.
type taskPayload struct {
	ExportID string `json:"exportId"`
}

// Service validates, enqueues and processes export jobs.
type Service struct {
	store   *store.Store
	engine  *query.Engine
	dir     string
	logger  zerolog.Logger
	enqueue func(ctx context.Context, task *asynq.Task) error
	now     func() time.Time
}

// New creates an export service. The asynq client may be nil in tests; use
// WithEnqueue to stub the queue.
func New(s *store.Store, engine *query.Engine, client *asynq.Client, dir string, logger zerolog.Logger) *Service {
	svc := &Service{
		store:  s,
		engine: engine,
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
	if client != nil {
		svc.enqueue = func(ctx context.Context, task *asynq.Task) error {
			// Jobs are never retried automatically; a failure is recorded
			// on the job itself.
			_, err := client.EnqueueContext(ctx, task, asynq.Queue(QueueName), asynq.MaxRetry(0))
			return err
		}
	}
	return svc
}

// WithEnqueue overrides the queue hookup. Used by tests.
func (s *Service) WithEnqueue(fn func(ctx context.Context, task *asynq.Task) error) *Service {
	s.enqueue = fn
	return s
}

func jobKey(exportID string) string {
	return "guildscope:export:" + exportID
}

// CreateExport validates the request, persists a pending job and enqueues
// processing. The returned metadata counts are best-effort estimates until
// the job completes.
func (s *Service) CreateExport(ctx context.Context, req Request) (*models.ExportJob, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	estimate, err := s.estimateCount(ctx, &req.Filter)
	if err != nil {
		return nil, err
	}

	compression := ""
	if req.CompressionFormat == "gzip" {
		compression = "gzip"
	}

	job := &models.ExportJob{
		ExportID: uuid.NewString(),
		Filter:   req.Filter,
		Format:   req.Format,
		Status:   models.ExportPending,
		Metadata: models.ExportMetadata{
			MessageCount: estimate,
			SizeBytes:    estimate * estimatedMessageBytes,
			Format:       req.Format,
		},
		Compression: compression,
		CreatedAt:   s.now().UnixMilli(),
	}

	if err := s.store.SetJSON(ctx, jobKey(job.ExportID), job, jobTTL); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(taskPayload{ExportID: job.ExportID})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, asynq.NewTask(TaskTypeExport, payload)); err != nil {
		return nil, err
	}

	return job, nil
}

// GetStatus returns nil when the export is unknown or expired.
func (s *Service) GetStatus(ctx context.Context, exportID string) (*models.ExportJob, error) {
	var job models.ExportJob
	found, err := s.store.GetJSON(ctx, jobKey(exportID), &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// ArtifactPath returns where a job's artifact lives on disk.
func (s *Service) ArtifactPath(job *models.ExportJob) string {
	name := job.ExportID + "." + job.Format
	if job.Compression == "gzip" {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

func (s *Service) validate(req *Request) error {
	if !models.ValidExportFormat(req.Format) {
		return fmt.Errorf("%w: format must be one of json, csv, ndjson", ErrValidation)
	}
	if req.Filter.Limit > MaxExportLimit {
		return fmt.Errorf("%w: limit must not exceed %d", ErrValidation, MaxExportLimit)
	}
	if req.Filter.Limit < 0 {
		return fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	for _, status := range req.Filter.Statuses {
		if !models.ValidStatus(status) {
			return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
	}
	if req.Filter.GuildID == "" && req.Filter.TopicName == "" {
		return fmt.Errorf("%w: filter requires guildId or topicName", ErrValidation)
	}
	if req.CompressionFormat != "" && req.CompressionFormat != "gzip" {
		return fmt.Errorf("%w: unsupported compression format %q", ErrValidation, req.CompressionFormat)
	}
	if err := s.engine.CheckRetention(req.Filter.TimeRange); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// estimateCount is a creation-time best-effort guess, never authoritative.
func (s *Service) estimateCount(ctx context.Context, f *models.MessageFilter) (int64, error) {
	if f.GuildID == "" || f.TopicName == "" {
		return 0, nil
	}
	min := "-inf"
	max := "+inf"
	if f.TimeRange != nil {
		min = store.ScoreBound(f.TimeRange.Start, false)
		max = store.ScoreBound(f.TimeRange.End, true)
	}
	count, err := s.store.TopicMessageCount(ctx, store.TopicKey(f.GuildID, f.TopicName), min, max)
	if err != nil {
		return 0, err
	}
	limit := int64(f.Limit)
	if limit > 0 && count > limit {
		count = limit
	}
	return count, nil
}

// HandleExportTask is the asynq handler. It drains the stored filter through
// the query engine, writes the artifact and finalizes the job. Terminal
// transitions happen exactly once: a job already completed or failed is left
// untouched.
func (s *Service) HandleExportTask(ctx context.Context, t *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("export: bad task payload: %w", err)
	}

	job, err := s.GetStatus(ctx, payload.ExportID)
	if err != nil {
		return err
	}
	if job == nil {
		s.logger.Warn().Str("export_id", payload.ExportID).Msg("export job expired before processing")
		return nil
	}
	if job.Status == models.ExportCompleted || job.Status == models.ExportFailed {
		return nil
	}

	job.Status = models.ExportProcessing
	if err := s.store.SetJSON(ctx, jobKey(job.ExportID), job, jobTTL); err != nil {
		return err
	}
	start := s.now()
	defer func() {
		metrics.ExportDuration.Observe(time.Since(start).Seconds())
	}()

	messages, err := s.collect(ctx, job.Filter)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	path := s.ArtifactPath(job)
	size, err := s.writeArtifact(path, job, messages)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	job.Status = models.ExportCompleted
	job.CompletedAt = s.now().UnixMilli()
	job.Metadata = models.ExportMetadata{
		MessageCount: int64(len(messages)),
		SizeBytes:    size,
		Format:       job.Format,
	}
	if err := s.store.SetJSON(ctx, jobKey(job.ExportID), job, jobTTL); err != nil {
		return err
	}

	s.logger.Info().
		Str("export_id", job.ExportID).
		Str("format", job.Format).
		Int("messages", len(messages)).
		Int64("size_bytes", size).
		Msg("export completed")
	return nil
}

// fail records the terminal failure on the job. The task itself reports
// success to the queue so asynq never retries.
func (s *Service) fail(ctx context.Context, job *models.ExportJob, cause error) error {
	job.Status = models.ExportFailed
	job.Error = cause.Error()
	job.CompletedAt = s.now().UnixMilli()
	if err := s.store.SetJSON(ctx, jobKey(job.ExportID), job, jobTTL); err != nil {
		return err
	}
	s.logger.Error().Err(cause).Str("export_id", job.ExportID).Msg("export failed")
	return nil
}

// collect pages through the query engine until the filter's limit (or
// MaxExportLimit) is reached or the result set is drained.
func (s *Service) collect(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	want := filter.Limit
	if want <= 0 || want > MaxExportLimit {
		want = MaxExportLimit
	}

	var out []models.Message
	offset := filter.Offset
	for len(out) < want {
		page := filter
		page.Offset = offset
		page.Limit = pageSize
		if remaining := want - len(out); remaining < pageSize {
			page.Limit = remaining
		}

		res, err := s.engine.QueryMessages(ctx, page)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Messages...)
		if !res.HasMore || len(res.Messages) == 0 {
			break
		}
		offset += len(res.Messages)
	}
	return out, nil
}

func (s *Service) writeArtifact(path string, job *models.ExportJob, messages []models.Message) (int64, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var w writerFlusher = nopFlusher{f}
	if job.Compression == "gzip" {
		gz := gzip.NewWriter(f)
		w = gz
	}

	if err := serialize(w, job.Format, messages); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if gz, ok := w.(*gzip.Writer); ok {
		if err := gz.Close(); err != nil {
			return 0, err
		}
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
