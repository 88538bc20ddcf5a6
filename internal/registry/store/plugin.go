package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/model"
)

// NearestResult is one similarity hit from FindNearest.
type NearestResult struct {
	Record     model.MemoryRecord `json:"record"`
	Similarity float64            `json:"similarity"`
}

// ListQuery holds the paginated read-view parameters. Page is 1-based.
type ListQuery struct {
	Page     int
	PageSize int
	Query    string // substring match on content; empty matches all
	Sort     string // one of the kind's sort keys; empty means capturedAt
	Desc     bool
}

// PagedMemories is one page of active records plus the total match count.
type PagedMemories struct {
	Items   []model.MemoryRecord `json:"items"`
	Total   int64                `json:"total"`
	HasMore bool                 `json:"hasMore"`
}

// MemoryStore is the primary data access interface: the append-only memory
// corpus plus the durable batch/job queue the orchestrator checkpoints into.
type MemoryStore interface {
	// Memory records
	InsertMemory(ctx context.Context, rec *model.MemoryRecord) error
	GetMemory(ctx context.Context, userID string, id uuid.UUID) (*model.MemoryRecord, error)
	// UpdateMemory writes the record only if expectedVersion is still current,
	// bumping Version by one. Returns *ConflictError when stale.
	UpdateMemory(ctx context.Context, rec *model.MemoryRecord, expectedVersion int64) error
	// MarkSuperseded points the record at its replacement. Same version gate
	// as UpdateMemory.
	MarkSuperseded(ctx context.Context, userID string, id uuid.UUID, by uuid.UUID, expectedVersion int64) error
	// FindNearest returns the k most similar active records in the
	// (userID, kind) partition, ordered by descending cosine similarity.
	FindNearest(ctx context.Context, userID string, kind model.MemoryKind, embedding []float32, k int) ([]NearestResult, error)
	// ListMemories serves the paginated read view over active records.
	ListMemories(ctx context.Context, userID string, kind model.MemoryKind, q ListQuery) (*PagedMemories, error)

	// Batch orchestration
	CreateBatch(ctx context.Context, batch *model.BatchRun, jobs []model.ExtractionJob) error
	GetBatch(ctx context.Context, batchID uuid.UUID) (*model.BatchRun, error)
	ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]model.ExtractionJob, error)
	SetBatchStatus(ctx context.Context, batchID uuid.UUID, status model.BatchStatus) error
	// ClaimDueJobs atomically flips up to limit pending jobs with
	// retry_at <= now to running and returns them. Two workers never claim
	// the same job.
	ClaimDueJobs(ctx context.Context, limit int) ([]model.ExtractionJob, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID) error
	// MarkJobCanceled records a claimed job as canceled for batch
	// accounting (its batch was canceled before it succeeded).
	MarkJobCanceled(ctx context.Context, jobID uuid.UUID) error
	// FailJob records the error and either schedules a retry after delay or,
	// once attempts reach maxAttempts, marks the job failed.
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryDelay time.Duration, maxAttempts int) error
	// CancelPendingJobs flips every still-pending job of the batch to
	// canceled and returns how many it flipped.
	CancelPendingJobs(ctx context.Context, batchID uuid.UUID) (int64, error)
	// TryFinishBatch completes the batch once no job remains pending or
	// running, folding per-status counts and the canceled flag into the
	// aggregate. Returns true when the batch reached a terminal status.
	TryFinishBatch(ctx context.Context, batchID uuid.UUID) (bool, error)
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
