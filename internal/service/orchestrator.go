package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/metrics"
	"github.com/recallhq/user-memory-service/internal/model"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
)

// TriggerResult is the synchronous acknowledgement of a batch request. The
// jobs themselves run in the background.
type TriggerResult struct {
	BatchID         uuid.UUID `json:"batchId"`
	ProcessedTopics int       `json:"processedTopics"`
	ProcessedUsers  int       `json:"processedUsers"`
	JobCount        int       `json:"jobCount"`
}

// BatchAggregate is the full progress view of one batch run.
type BatchAggregate struct {
	Batch model.BatchRun        `json:"batch"`
	Jobs  []model.ExtractionJob `json:"jobs"`
}

// Orchestrator turns extraction requests into durable batches and exposes
// their lifecycle. Actual job execution lives in JobProcessor.
type Orchestrator struct {
	store  registrystore.MemoryStore
	source registryconvo.ConversationSource
}

func NewOrchestrator(st registrystore.MemoryStore, source registryconvo.ConversationSource) *Orchestrator {
	return &Orchestrator{store: st, source: source}
}

// StartBatch normalizes the payload into (topic, user) work items and persists
// the batch with one pending job per item. The batch row and its jobs are
// written in one transaction, so a crash can never leave jobs without a batch.
func (o *Orchestrator) StartBatch(ctx context.Context, payload Payload) (*TriggerResult, error) {
	norm, err := Normalize(ctx, payload, o.source)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := &model.BatchRun{
		ID:        uuid.New(),
		Status:    model.BatchDispatching,
		Requested: len(norm.WorkItems),
	}
	jobs := make([]model.ExtractionJob, 0, len(norm.WorkItems))
	for _, item := range norm.WorkItems {
		jobs = append(jobs, model.ExtractionJob{
			ID:      uuid.New(),
			BatchID: batch.ID,
			TopicID: item.TopicID,
			UserID:  item.UserID,
			Status:  model.JobPending,
			RetryAt: now,
		})
	}
	if err := o.store.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		// Nothing to do. Finalize immediately so the batch does not sit in
		// dispatching forever.
		if _, err := o.store.TryFinishBatch(ctx, batch.ID); err != nil {
			return nil, err
		}
	} else if err := o.store.SetBatchStatus(ctx, batch.ID, model.BatchRunning); err != nil {
		return nil, err
	}

	log.Info("Batch dispatched",
		"batchId", batch.ID, "jobs", len(jobs),
		"topics", len(norm.TopicIDs), "users", len(norm.UserIDs))
	return &TriggerResult{
		BatchID:         batch.ID,
		ProcessedTopics: len(norm.TopicIDs),
		ProcessedUsers:  len(norm.UserIDs),
		JobCount:        len(jobs),
	}, nil
}

// Status returns the batch row together with all of its jobs.
func (o *Orchestrator) Status(ctx context.Context, batchID uuid.UUID) (*BatchAggregate, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchAggregate{Batch: *batch, Jobs: jobs}, nil
}

// CancelBatch flips every still-pending job of the batch to canceled. Jobs
// already claimed by a worker finish their current run; their outcomes are
// recorded but excluded from the processed counts. Canceling a terminal batch
// is a no-op.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID uuid.UUID) (*model.BatchRun, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case model.BatchCompleted, model.BatchFailed, model.BatchCanceled:
		return batch, nil
	}

	canceled, err := o.store.CancelPendingJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	log.Info("Batch cancel requested", "batchId", batchID, "canceledJobs", canceled)

	if done, err := o.store.TryFinishBatch(ctx, batchID); err != nil {
		return nil, err
	} else if done {
		metrics.CountBatch(string(model.BatchCanceled))
	}
	return o.store.GetBatch(ctx, batchID)
}
