// Package gormstore implements the MemoryStore interface against any GORM
// dialect using portable SQL. The postgres plugin embeds Store and overrides
// the hot paths with pgvector and SKIP LOCKED variants; the sqlite plugin
// uses it as-is.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryembed "github.com/recallhq/user-memory-service/internal/registry/embed"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"gorm.io/gorm"
)

// Store is a MemoryStore over a gorm.DB.
type Store struct {
	DB  *gorm.DB
	Cfg *config.Config
}

// sortColumns maps API sort keys to columns. Key validation happens at the
// route layer; unknown keys here fall back to captured_at.
var sortColumns = map[string]string{
	model.SortCapturedAt:      "captured_at",
	model.SortScorePriority:   "score_priority",
	model.SortScoreImpact:     "score_impact",
	model.SortScoreUrgency:    "score_urgency",
	model.SortScoreConfidence: "score_confidence",
}

func (s *Store) InsertMemory(ctx context.Context, rec *model.MemoryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = now
	}
	if rec.SourceHistory == nil {
		rec.SourceHistory = []model.MemorySource{}
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := s.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return &registrystore.PersistenceError{Op: "InsertMemory", Err: err}
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, userID string, id uuid.UUID) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	err := s.DB.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "memory record", ID: id.String()}
	}
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "GetMemory", Err: err}
	}
	return &rec, nil
}

// memoryUpdateColumns are the mutable columns of a memory record. Kind is
// deliberately absent: it is immutable for the lifetime of a record.
var memoryUpdateColumns = []string{
	"content", "embedding", "captured_at", "source_history",
	"score_priority", "score_impact", "score_urgency", "score_confidence",
	"version", "updated_at",
}

func (s *Store) UpdateMemory(ctx context.Context, rec *model.MemoryRecord, expectedVersion int64) error {
	next := *rec
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	res := s.DB.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("id = ? AND user_id = ? AND version = ?", rec.ID, rec.UserID, expectedVersion).
		Select(memoryUpdateColumns).
		Updates(next)
	if res.Error != nil {
		return &registrystore.PersistenceError{Op: "UpdateMemory", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &registrystore.ConflictError{Resource: "memory record", ID: rec.ID.String()}
	}
	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *Store) MarkSuperseded(ctx context.Context, userID string, id uuid.UUID, by uuid.UUID, expectedVersion int64) error {
	if id == by {
		return &registrystore.ValidationError{Field: "supersededBy", Message: "record cannot supersede itself"}
	}
	res := s.DB.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("id = ? AND user_id = ? AND version = ? AND superseded_by IS NULL", id, userID, expectedVersion).
		Updates(map[string]any{
			"superseded_by": by,
			"version":       expectedVersion + 1,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return &registrystore.PersistenceError{Op: "MarkSuperseded", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &registrystore.ConflictError{Resource: "memory record", ID: id.String()}
	}
	return nil
}

// FindNearest scans the active partition and ranks by cosine in process.
// Partitions are per (user, kind) and stay small; the postgres plugin
// overrides this with a pgvector index scan.
func (s *Store) FindNearest(ctx context.Context, userID string, kind model.MemoryKind, embedding []float32, k int) ([]registrystore.NearestResult, error) {
	var recs []model.MemoryRecord
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND superseded_by IS NULL", userID, kind).
		Find(&recs).Error
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "FindNearest", Err: err}
	}
	results := make([]registrystore.NearestResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, registrystore.NearestResult{
			Record:     rec,
			Similarity: registryembed.CosineSimilarity(embedding, rec.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) ListMemories(ctx context.Context, userID string, kind model.MemoryKind, q registrystore.ListQuery) (*registrystore.PagedMemories, error) {
	if q.Page < 1 || q.PageSize < 1 {
		return nil, &registrystore.ValidationError{Field: "page", Message: "page and pageSize must be positive"}
	}
	column, ok := sortColumns[q.Sort]
	if !ok {
		column = "captured_at"
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	base := s.DB.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("user_id = ? AND kind = ? AND superseded_by IS NULL", userID, kind)
	if q.Query != "" {
		base = base.Where("LOWER(content) LIKE ?", "%"+strings.ToLower(escapeLike(q.Query))+"%")
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, &registrystore.PersistenceError{Op: "ListMemories", Err: err}
	}

	var items []model.MemoryRecord
	// Secondary order by id keeps page boundaries stable under equal sort keys.
	err := base.Session(&gorm.Session{}).
		Order(fmt.Sprintf("%s %s, id %s", column, dir, dir)).
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "ListMemories", Err: err}
	}
	return &registrystore.PagedMemories{
		Items:   items,
		Total:   total,
		HasMore: int64(q.Page*q.PageSize) < total,
	}, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (s *Store) CreateBatch(ctx context.Context, batch *model.BatchRun, jobs []model.ExtractionJob) error {
	now := time.Now().UTC()
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	batch.Status = model.BatchDispatching
	batch.CreatedAt = now
	batch.UpdatedAt = now
	for i := range jobs {
		if jobs[i].ID == uuid.Nil {
			jobs[i].ID = uuid.New()
		}
		jobs[i].BatchID = batch.ID
		jobs[i].Status = model.JobPending
		jobs[i].RetryAt = now
		jobs[i].CreatedAt = now
		jobs[i].UpdatedAt = now
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		return tx.Create(&jobs).Error
	})
	if err != nil {
		return &registrystore.PersistenceError{Op: "CreateBatch", Err: err}
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (*model.BatchRun, error) {
	var batch model.BatchRun
	err := s.DB.WithContext(ctx).Where("id = ?", batchID).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "batch", ID: batchID.String()}
	}
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "GetBatch", Err: err}
	}
	return &batch, nil
}

func (s *Store) ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]model.ExtractionJob, error) {
	var jobs []model.ExtractionJob
	err := s.DB.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at, id").
		Find(&jobs).Error
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "ListBatchJobs", Err: err}
	}
	return jobs, nil
}

func (s *Store) SetBatchStatus(ctx context.Context, batchID uuid.UUID, status model.BatchStatus) error {
	res := s.DB.WithContext(ctx).Model(&model.BatchRun{}).
		Where("id = ?", batchID).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return &registrystore.PersistenceError{Op: "SetBatchStatus", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "batch", ID: batchID.String()}
	}
	return nil
}

// ClaimDueJobs claims pending jobs whose retry time has passed, plus running
// jobs whose lease expired (their worker died mid-step). The select-then-gated
// update pair makes the claim atomic per job.
func (s *Store) ClaimDueJobs(ctx context.Context, limit int) ([]model.ExtractionJob, error) {
	lease := 5 * time.Minute
	if s.Cfg != nil && s.Cfg.JobLease > 0 {
		lease = s.Cfg.JobLease
	}
	// Microsecond precision survives the timestamptz round-trip used to
	// re-read the claimed rows below.
	now := time.Now().UTC().Truncate(time.Microsecond)
	staleBefore := now.Add(-lease)

	var claimed []model.ExtractionJob
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		err := tx.Model(&model.ExtractionJob{}).
			Where("(status = ? AND retry_at <= ?) OR (status = ? AND updated_at <= ?)",
				model.JobPending, now, model.JobRunning, staleBefore).
			Order("retry_at").
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		res := tx.Model(&model.ExtractionJob{}).
			Where("id IN ? AND ((status = ? AND retry_at <= ?) OR (status = ? AND updated_at <= ?))",
				ids, model.JobPending, now, model.JobRunning, staleBefore).
			Updates(map[string]any{
				"status":     model.JobRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		return tx.Where("id IN ? AND status = ? AND updated_at = ?", ids, model.JobRunning, now).
			Find(&claimed).Error
	})
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "ClaimDueJobs", Err: err}
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	res := s.DB.WithContext(ctx).Model(&model.ExtractionJob{}).
		Where("id = ? AND status = ?", jobID, model.JobRunning).
		Updates(map[string]any{
			"status":     model.JobSucceeded,
			"last_error": nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return &registrystore.PersistenceError{Op: "CompleteJob", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &registrystore.ConflictError{Resource: "extraction job", ID: jobID.String()}
	}
	return nil
}

func (s *Store) MarkJobCanceled(ctx context.Context, jobID uuid.UUID) error {
	res := s.DB.WithContext(ctx).Model(&model.ExtractionJob{}).
		Where("id = ? AND status IN ?", jobID, []model.JobStatus{model.JobPending, model.JobRunning}).
		Updates(map[string]any{"status": model.JobCanceled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return &registrystore.PersistenceError{Op: "MarkJobCanceled", Err: res.Error}
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryDelay time.Duration, maxAttempts int) error {
	now := time.Now().UTC()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.ExtractionJob
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		if job.Status != model.JobRunning {
			return nil // already resolved elsewhere
		}
		updates := map[string]any{
			"last_error": errMsg,
			"updated_at": now,
		}
		if job.Attempts >= maxAttempts {
			updates["status"] = model.JobFailed
		} else {
			updates["status"] = model.JobPending
			updates["retry_at"] = now.Add(retryDelay)
		}
		return tx.Model(&model.ExtractionJob{}).Where("id = ?", jobID).Updates(updates).Error
	})
	if err != nil {
		return &registrystore.PersistenceError{Op: "FailJob", Err: err}
	}
	return nil
}

func (s *Store) CancelPendingJobs(ctx context.Context, batchID uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	var flipped int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ExtractionJob{}).
			Where("batch_id = ? AND status = ?", batchID, model.JobPending).
			Updates(map[string]any{"status": model.JobCanceled, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		flipped = res.RowsAffected
		return tx.Model(&model.BatchRun{}).
			Where("id = ?", batchID).
			Updates(map[string]any{"is_canceled": true, "updated_at": now}).Error
	})
	if err != nil {
		return 0, &registrystore.PersistenceError{Op: "CancelPendingJobs", Err: err}
	}
	return flipped, nil
}

func (s *Store) TryFinishBatch(ctx context.Context, batchID uuid.UUID) (bool, error) {
	finished := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch model.BatchRun
		if err := tx.Where("id = ?", batchID).First(&batch).Error; err != nil {
			return err
		}
		if batch.Status == model.BatchCompleted || batch.Status == model.BatchCanceled || batch.Status == model.BatchFailed {
			finished = true
			return nil
		}

		type statusCount struct {
			Status model.JobStatus
			N      int
		}
		var counts []statusCount
		err := tx.Model(&model.ExtractionJob{}).
			Select("status, COUNT(*) AS n").
			Where("batch_id = ?", batchID).
			Group("status").
			Scan(&counts).Error
		if err != nil {
			return err
		}

		byStatus := map[model.JobStatus]int{}
		for _, c := range counts {
			byStatus[c.Status] = c.N
		}
		if byStatus[model.JobPending] > 0 || byStatus[model.JobRunning] > 0 {
			return nil
		}

		final := model.BatchCompleted
		if batch.IsCanceled {
			final = model.BatchCanceled
		}
		finished = true
		return tx.Model(&model.BatchRun{}).
			Where("id = ?", batchID).
			Updates(map[string]any{
				"status":     final,
				"succeeded":  byStatus[model.JobSucceeded],
				"failed":     byStatus[model.JobFailed],
				"canceled":   byStatus[model.JobCanceled],
				"is_failed":  byStatus[model.JobFailed] > 0,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return false, &registrystore.PersistenceError{Op: "TryFinishBatch", Err: err}
	}
	return finished, nil
}

var _ registrystore.MemoryStore = (*Store)(nil)
