package service

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/metrics"
	"github.com/recallhq/user-memory-service/internal/model"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
)

// JobProcessor polls for due extraction jobs and runs them through the
// extraction and dedup pipeline. Several processes can run it against the
// same database; the claim query hands each job to exactly one worker.
type JobProcessor struct {
	store   registrystore.MemoryStore
	runner  *ExtractionRunner
	deduper *Deduper

	interval    time.Duration
	claimLimit  int
	workers     int
	maxAttempts int
	retryBase   time.Duration
}

func NewJobProcessor(st registrystore.MemoryStore, runner *ExtractionRunner, deduper *Deduper, cfg *config.Config) *JobProcessor {
	return &JobProcessor{
		store:       st,
		runner:      runner,
		deduper:     deduper,
		interval:    cfg.JobPollInterval,
		claimLimit:  cfg.JobClaimLimit,
		workers:     cfg.JobWorkers,
		maxAttempts: cfg.JobMaxAttempts,
		retryBase:   cfg.JobRetryBase,
	}
}

// Start begins the polling loop. Returns when ctx is cancelled and every
// in-flight job has finished.
func (p *JobProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *JobProcessor) processBatch(ctx context.Context) {
	jobs, err := p.store.ClaimDueJobs(ctx, p.claimLimit)
	if err != nil {
		log.Error("JobProcessor: claim jobs failed", "err", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job model.ExtractionJob) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// runJob executes one claimed job end to end and records its terminal state.
// Each job failure is isolated: it never touches sibling jobs of the batch.
func (p *JobProcessor) runJob(ctx context.Context, job model.ExtractionJob) {
	start := time.Now()
	logger := log.With("jobId", job.ID, "batchId", job.BatchID,
		"topicId", job.TopicID, "userId", job.UserID, "attempt", job.Attempts)

	batch, err := p.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		logger.Error("JobProcessor: batch lookup failed", "err", err)
		p.failJob(ctx, logger, job, err.Error(), time.Since(start))
		return
	}
	if batch.IsCanceled {
		// Claimed after the cancel request. Record the outcome without
		// counting it as processed work.
		if err := p.store.MarkJobCanceled(ctx, job.ID); err != nil {
			logger.Error("JobProcessor: cancel record failed", "err", err)
			return
		}
		metrics.ObserveJob(string(model.JobCanceled), time.Since(start))
		p.finishBatch(ctx, logger, job.BatchID)
		return
	}

	if err := p.executeJob(ctx, logger, job); err != nil {
		logger.Error("JobProcessor: job failed", "err", err)
		p.failJob(ctx, logger, job, err.Error(), time.Since(start))
		p.finishBatch(ctx, logger, job.BatchID)
		return
	}

	// The batch may have been canceled while the job was running. The work
	// is done either way; only the accounting changes.
	batch, err = p.store.GetBatch(ctx, job.BatchID)
	if err == nil && batch.IsCanceled {
		if err := p.store.MarkJobCanceled(ctx, job.ID); err != nil {
			logger.Error("JobProcessor: cancel record failed", "err", err)
		}
		metrics.ObserveJob(string(model.JobCanceled), time.Since(start))
	} else {
		if err := p.store.CompleteJob(ctx, job.ID); err != nil {
			logger.Error("JobProcessor: complete record failed", "err", err)
			return
		}
		metrics.ObserveJob(string(model.JobSucceeded), time.Since(start))
	}
	p.finishBatch(ctx, logger, job.BatchID)
}

func (p *JobProcessor) executeJob(ctx context.Context, logger *log.Logger, job model.ExtractionJob) error {
	candidates, source, err := p.runner.Run(ctx, job.TopicID, job.UserID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		logger.Debug("JobProcessor: no candidates in window")
		return nil
	}

	for _, cand := range candidates {
		metrics.CountCandidate(string(cand.Kind))
		action, rec, err := p.deduper.Apply(ctx, job.UserID, cand, source)
		if err != nil {
			return err
		}
		metrics.CountDedup(string(action))
		logger.Debug("JobProcessor: candidate resolved",
			"kind", cand.Kind, "action", action, "recordId", rec.ID)
	}
	return nil
}

// failJob records a failure, scheduling a retry with exponential backoff
// until the attempt limit turns it terminal.
func (p *JobProcessor) failJob(ctx context.Context, logger *log.Logger, job model.ExtractionJob, msg string, elapsed time.Duration) {
	delay := p.retryBase
	for i := 1; i < job.Attempts; i++ {
		delay *= 2
	}
	if err := p.store.FailJob(ctx, job.ID, msg, delay, p.maxAttempts); err != nil {
		logger.Error("JobProcessor: failure record failed", "err", err)
		return
	}
	if job.Attempts >= p.maxAttempts {
		metrics.ObserveJob(string(model.JobFailed), elapsed)
	} else {
		metrics.ObserveJob("retried", elapsed)
	}
}

// finishBatch finalizes the batch if this was its last outstanding job.
func (p *JobProcessor) finishBatch(ctx context.Context, logger *log.Logger, batchID uuid.UUID) {
	done, err := p.store.TryFinishBatch(ctx, batchID)
	if err != nil {
		logger.Error("JobProcessor: batch finalize failed", "err", err)
		return
	}
	if done {
		batch, err := p.store.GetBatch(ctx, batchID)
		if err != nil {
			logger.Error("JobProcessor: batch lookup failed", "err", err)
			return
		}
		metrics.CountBatch(string(batch.Status))
		logger.Info("Batch finished", "status", batch.Status,
			"succeeded", batch.Succeeded, "failed", batch.Failed, "canceled", batch.Canceled)
	}
}
