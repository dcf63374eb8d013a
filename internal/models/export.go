package models

// Export job states. A job transitions to completed or failed exactly once
// and is never retried automatically.
const (
	ExportPending    = "pending"
	ExportProcessing = "processing"
	ExportCompleted  = "completed"
	ExportFailed     = "failed"
)

// Export formats accepted by the pipeline.
const (
	FormatJSON   = "json"
	FormatCSV    = "csv"
	FormatNDJSON = "ndjson"
)

// ValidExportFormat reports whether f is a supported export format.
func ValidExportFormat(f string) bool {
	switch f {
	case FormatJSON, FormatCSV, FormatNDJSON:
		return true
	}
	return false
}

// ExportMetadata describes the artifact. Until the job completes the counts
// are best-effort estimates taken at creation time.
type ExportMetadata struct {
	MessageCount int64  `json:"messageCount"`
	SizeBytes    int64  `json:"sizeBytes"`
	Format       string `json:"format"`
}

// ExportJob is an asynchronous bulk-extraction job, queryable by ID.
type ExportJob struct {
	ExportID    string         `json:"exportId"`
	Filter      MessageFilter  `json:"filter"`
	Format      string         `json:"format"`
	Status      string         `json:"status"`
	Metadata    ExportMetadata `json:"metadata"`
	Compression string         `json:"compression,omitempty"` // "gzip" or empty
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"createdAt"` // Unix ms
	CompletedAt int64          `json:"completedAt,omitempty"`
}
