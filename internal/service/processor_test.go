package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	store     registrystore.MemoryStore
	orch      *Orchestrator
	processor *JobProcessor
	extractor *fakeExtractor
	ctx       context.Context
}

func setupPipeline(t *testing.T, mutate func(cfg *config.Config)) *pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store, ctx := setupTestStore(t, &cfg)

	now := time.Now().UTC()
	src := &fakeSource{
		topics: map[string]*registryconvo.TopicInfo{
			"t1": {TopicID: "t1", UserID: "alice", Title: "tea orders"},
			"t2": {TopicID: "t2", UserID: "alice", Title: "diet"},
			"t3": {TopicID: "t3", UserID: "bob", Title: "gym log"},
		},
		topicsByUser: map[string][]string{"alice": {"t1", "t2"}, "bob": {"t3"}},
		messages: map[string][]registryextract.Message{
			"t1": {{Role: "user", Content: "I always get milk tea", CreatedAt: now}},
			"t2": {{Role: "user", Content: "I'm vegetarian now", CreatedAt: now}},
			"t3": {{Role: "user", Content: "I started bouldering", CreatedAt: now}},
		},
	}
	extractor := &fakeExtractor{
		candidates: map[string][]registryextract.Candidate{
			"t1": {{Kind: model.KindPreference, Content: "likes milk tea", Confidence: 0.9, CapturedAt: now}},
			"t2": {{Kind: model.KindPreference, Content: "is vegetarian", Confidence: 0.8, CapturedAt: now}},
			"t3": {{Kind: model.KindActivity, Content: "goes bouldering weekly", Confidence: 0.7, CapturedAt: now}},
		},
		failTopics: map[string]bool{},
	}

	embedder := &stubEmbedder{vectors: dedupVectors}
	deduper := NewDeduper(store, embedder, &cfg)
	runner := NewExtractionRunner(src, extractor, &cfg)
	return &pipeline{
		store:     store,
		orch:      NewOrchestrator(store, src),
		processor: NewJobProcessor(store, runner, deduper, &cfg),
		extractor: extractor,
		ctx:       ctx,
	}
}

// drain runs poll rounds until the batch reaches a terminal status.
func (p *pipeline) drain(t *testing.T, batchID uuid.UUID) *model.BatchRun {
	t.Helper()
	for i := 0; i < 10; i++ {
		p.processor.processBatch(p.ctx)
		batch, err := p.store.GetBatch(p.ctx, batchID)
		require.NoError(t, err)
		switch batch.Status {
		case model.BatchCompleted, model.BatchFailed, model.BatchCanceled:
			return batch
		}
	}
	t.Fatal("batch did not reach a terminal status")
	return nil
}

func TestPipelineProcessesBatchEndToEnd(t *testing.T) {
	p := setupPipeline(t, nil)

	result, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"t1", "t2", "t3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.JobCount)
	assert.Equal(t, 3, result.ProcessedTopics)

	batch := p.drain(t, result.BatchID)
	assert.Equal(t, model.BatchCompleted, batch.Status)
	assert.Equal(t, 3, batch.Succeeded)
	assert.Equal(t, 0, batch.Failed)

	page, err := p.store.ListMemories(p.ctx, "alice", model.KindPreference, registrystore.ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestPipelineIsolatesJobFailures(t *testing.T) {
	p := setupPipeline(t, func(cfg *config.Config) {
		cfg.JobMaxAttempts = 1
	})
	p.extractor.failTopics["t2"] = true

	result, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"t1", "t2", "t3"}})
	require.NoError(t, err)

	batch := p.drain(t, result.BatchID)
	assert.Equal(t, model.BatchCompleted, batch.Status)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.True(t, batch.IsFailed)

	// The failing topic never blocks its siblings.
	jobs, err := p.store.ListBatchJobs(p.ctx, result.BatchID)
	require.NoError(t, err)
	for _, job := range jobs {
		if job.TopicID == "t2" {
			assert.Equal(t, model.JobFailed, job.Status)
			require.NotNil(t, job.LastError)
		} else {
			assert.Equal(t, model.JobSucceeded, job.Status)
		}
	}

	page, err := p.store.ListMemories(p.ctx, "alice", model.KindPreference, registrystore.ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestPipelineFailedJobsRetryWithBackoff(t *testing.T) {
	p := setupPipeline(t, func(cfg *config.Config) {
		cfg.JobMaxAttempts = 3
		cfg.JobRetryBase = 0
	})
	p.extractor.failTopics["t1"] = true

	result, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"t1"}})
	require.NoError(t, err)

	// Flaky failure: recovers before the attempt budget runs out.
	p.processor.processBatch(p.ctx)
	jobs, err := p.store.ListBatchJobs(p.ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobPending, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	delete(p.extractor.failTopics, "t1")
	batch := p.drain(t, result.BatchID)
	assert.Equal(t, model.BatchCompleted, batch.Status)
	assert.Equal(t, 1, batch.Succeeded)
}

func TestPipelineReprocessingIsIdempotent(t *testing.T) {
	p := setupPipeline(t, nil)

	first, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"t1"}})
	require.NoError(t, err)
	p.drain(t, first.BatchID)

	second, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"t1"}})
	require.NoError(t, err)
	batch := p.drain(t, second.BatchID)
	assert.Equal(t, model.BatchCompleted, batch.Status)

	// Same evidence twice: still one record with one source entry.
	page, err := p.store.ListMemories(p.ctx, "alice", model.KindPreference, registrystore.ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	assert.Len(t, page.Items[0].SourceHistory, 1)
}

func TestOrchestratorCancelBeforeProcessing(t *testing.T) {
	p := setupPipeline(t, nil)

	result, err := p.orch.StartBatch(p.ctx, Payload{UserIDs: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.JobCount)

	batch, err := p.orch.CancelBatch(p.ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCanceled, batch.Status)
	assert.Equal(t, 2, batch.Canceled)

	// Nothing left to claim; no memories were written.
	p.processor.processBatch(p.ctx)
	page, err := p.store.ListMemories(p.ctx, "alice", model.KindPreference, registrystore.ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Total)

	// Cancel is idempotent on a terminal batch.
	again, err := p.orch.CancelBatch(p.ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCanceled, again.Status)
}

func TestOrchestratorRejectsEmptyPayload(t *testing.T) {
	p := setupPipeline(t, nil)

	_, err := p.orch.StartBatch(p.ctx, Payload{})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestOrchestratorEmptyNormalizationFinishesImmediately(t *testing.T) {
	p := setupPipeline(t, nil)

	// Only unknown topics: the batch exists for auditability but has no work.
	result, err := p.orch.StartBatch(p.ctx, Payload{TopicIDs: []string{"unknown"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.JobCount)

	batch, err := p.store.GetBatch(p.ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, batch.Status)
}
