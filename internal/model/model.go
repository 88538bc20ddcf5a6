package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryKind classifies an extracted fact. The set is closed; see kinds.go
// for the per-kind score fields and sort keys.
type MemoryKind string

const (
	KindIdentity   MemoryKind = "identity"
	KindPreference MemoryKind = "preference"
	KindActivity   MemoryKind = "activity"
	KindExperience MemoryKind = "experience"
	KindContext    MemoryKind = "context"
)

// JobStatus is the lifecycle state of a single extraction job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal returns true once the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a batch run.
type BatchStatus string

const (
	BatchDispatching BatchStatus = "dispatching"
	BatchRunning     BatchStatus = "running"
	BatchCompleted   BatchStatus = "completed"
	BatchFailed      BatchStatus = "failed"
	BatchCanceled    BatchStatus = "canceled"
)

// MemorySource is a weak back-reference to the conversational origin of a
// record. It never owns the record; it exists for display and navigation.
type MemorySource struct {
	TopicID   string  `json:"topicId"`
	AgentID   *string `json:"agentId,omitempty"`
	SessionID *string `json:"sessionId,omitempty"`
	Title     *string `json:"title,omitempty"`
}

// MemoryRecord is one deduplicated fact about a user.
//
// Records are append-only: a merge only touches capturedAt, the source
// history, and scores; an evolution inserts a new record and points the old
// one at it via SupersededBy. Version gates every update (optimistic
// concurrency).
type MemoryRecord struct {
	ID            uuid.UUID      `json:"id"                     gorm:"primaryKey;type:uuid"`
	UserID        string         `json:"userId"                 gorm:"not null;index:idx_memory_partition"`
	Kind          MemoryKind     `json:"kind"                   gorm:"not null;index:idx_memory_partition"`
	Content       string         `json:"content"                gorm:"not null"`
	Embedding     []float32      `json:"-"                      gorm:"serializer:json"`
	CapturedAt    time.Time      `json:"capturedAt"             gorm:"not null;index"`
	SourceHistory []MemorySource `json:"sources"                gorm:"type:jsonb;serializer:json;not null"`

	// Kind-specific scores, all in [0,1]. Columns not used by the record's
	// kind stay null.
	ScorePriority   *float64 `json:"scorePriority,omitempty"`
	ScoreImpact     *float64 `json:"scoreImpact,omitempty"`
	ScoreUrgency    *float64 `json:"scoreUrgency,omitempty"`
	ScoreConfidence *float64 `json:"scoreConfidence,omitempty"`

	SupersededBy *uuid.UUID `json:"supersededBy,omitempty" gorm:"type:uuid"`
	Version      int64      `json:"-"                      gorm:"not null;default:1"`
	CreatedAt    time.Time  `json:"createdAt"              gorm:"not null"`
	UpdatedAt    time.Time  `json:"updatedAt"              gorm:"not null"`
}

func (MemoryRecord) TableName() string { return "memory_records" }

// Active reports whether the record is the current version of its fact.
func (r *MemoryRecord) Active() bool { return r.SupersededBy == nil }

// ExtractionJob is one orchestrated (topic, user) work item. The unique
// (batch, topic, user) triple is the idempotency key; retried jobs converge
// through the similarity merge rather than duplicating records.
type ExtractionJob struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	BatchID   uuid.UUID `json:"batchId"   gorm:"not null;type:uuid;uniqueIndex:idx_job_work_item,priority:1"`
	TopicID   string    `json:"topicId"   gorm:"not null;uniqueIndex:idx_job_work_item,priority:2"`
	UserID    string    `json:"userId"    gorm:"not null;uniqueIndex:idx_job_work_item,priority:3"`
	Status    JobStatus `json:"status"    gorm:"not null;default:'pending';index"`
	Attempts  int       `json:"attempts"  gorm:"not null;default:0"`
	RetryAt   time.Time `json:"retryAt"   gorm:"not null;index"`
	LastError *string   `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (ExtractionJob) TableName() string { return "extraction_jobs" }

// BatchRun aggregates the jobs dispatched for one trigger payload.
type BatchRun struct {
	ID         uuid.UUID   `json:"batchId"    gorm:"primaryKey;type:uuid"`
	Status     BatchStatus `json:"status"     gorm:"not null;default:'dispatching'"`
	Requested  int         `json:"requested"  gorm:"not null;default:0"`
	Succeeded  int         `json:"succeeded"  gorm:"not null;default:0"`
	Failed     int         `json:"failed"     gorm:"not null;default:0"`
	Canceled   int         `json:"canceled"   gorm:"not null;default:0"`
	IsFailed   bool        `json:"isFailed"   gorm:"not null;default:false"`
	IsCanceled bool        `json:"isCanceled" gorm:"not null;default:false"`
	CreatedAt  time.Time   `json:"createdAt"  gorm:"not null"`
	UpdatedAt  time.Time   `json:"updatedAt"  gorm:"not null"`
}

func (BatchRun) TableName() string { return "batch_runs" }
