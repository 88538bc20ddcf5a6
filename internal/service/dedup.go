package service

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryembed "github.com/recallhq/user-memory-service/internal/registry/embed"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
)

// DedupAction is the merge engine's decision for one candidate.
type DedupAction string

const (
	ActionMerged     DedupAction = "merged"
	ActionSuperseded DedupAction = "superseded"
	ActionInserted   DedupAction = "inserted"
)

// Deduper decides insert / merge / supersede for each candidate against the
// (userId, kind) partition, using two cosine thresholds:
//
//	similarity >= tauHigh            identical fact, metadata merge
//	tauLow <= similarity < tauHigh   evolved fact, supersede
//	similarity < tauLow              new fact, plain insert
//
// The versioned writes make the decide-then-write sequence atomic per target
// record; a lost race re-reads the neighbors and re-decides, bounded by
// conflictRetries.
type Deduper struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder

	tauHigh         float64
	tauLow          float64
	tieEpsilon      float64
	nearestK        int
	conflictRetries int
	halfLife        time.Duration
}

// NewDeduper builds a Deduper from config. Threshold ordering is validated
// at config load.
func NewDeduper(st registrystore.MemoryStore, embedder registryembed.Embedder, cfg *config.Config) *Deduper {
	return &Deduper{
		store:           st,
		embedder:        embedder,
		tauHigh:         cfg.DedupTauHigh,
		tauLow:          cfg.DedupTauLow,
		tieEpsilon:      cfg.DedupTieEpsilon,
		nearestK:        cfg.DedupNearestK,
		conflictRetries: cfg.DedupConflictRetries,
		halfLife:        cfg.ScoreRecencyHalfLife,
	}
}

// Apply runs the merge decision for one candidate and persists the outcome.
// Returns the action taken and the active record the fact now lives in.
func (d *Deduper) Apply(ctx context.Context, userID string, cand registryextract.Candidate, source model.MemorySource) (DedupAction, *model.MemoryRecord, error) {
	embeddings, err := d.embedder.EmbedTexts(ctx, []string{cand.Content})
	if err != nil {
		return "", nil, &ExtractionError{TopicID: source.TopicID, UserID: userID, Err: err}
	}
	embedding := embeddings[0]

	for attempt := 0; ; attempt++ {
		action, rec, err := d.decideAndWrite(ctx, userID, cand, source, embedding)
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			if attempt >= d.conflictRetries {
				return "", nil, &registrystore.PersistenceError{Op: "dedup", Err: err}
			}
			log.Debug("Dedup: write conflict, re-deciding",
				"userId", userID, "kind", cand.Kind, "attempt", attempt+1)
			continue
		}
		return action, rec, err
	}
}

func (d *Deduper) decideAndWrite(ctx context.Context, userID string, cand registryextract.Candidate, source model.MemorySource, embedding []float32) (DedupAction, *model.MemoryRecord, error) {
	neighbors, err := d.store.FindNearest(ctx, userID, cand.Kind, embedding, d.nearestK)
	if err != nil {
		return "", nil, err
	}
	target, similarity := d.pickTarget(neighbors)

	switch {
	case target != nil && similarity >= d.tauHigh:
		rec, err := d.merge(ctx, target, cand, source)
		return ActionMerged, rec, err
	case target != nil && similarity >= d.tauLow:
		rec, err := d.supersede(ctx, userID, target, cand, source, embedding)
		return ActionSuperseded, rec, err
	default:
		rec, err := d.insert(ctx, userID, cand, source, embedding, nil)
		return ActionInserted, rec, err
	}
}

// pickTarget selects the merge target from the neighbor list: the best match
// at or above tauLow, with ties inside tieEpsilon broken by the most recent
// capturedAt.
func (d *Deduper) pickTarget(neighbors []registrystore.NearestResult) (*model.MemoryRecord, float64) {
	best := -1
	for i, n := range neighbors {
		if n.Similarity < d.tauLow {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if neighbors[best].Similarity-n.Similarity <= d.tieEpsilon &&
			n.Record.CapturedAt.After(neighbors[best].Record.CapturedAt) {
			best = i
		}
	}
	if best < 0 {
		return nil, 0
	}
	rec := neighbors[best].Record
	return &rec, neighbors[best].Similarity
}

// merge folds identical-fact evidence into the existing active record:
// capturedAt only moves forward, the new source joins the history, scores
// refresh. The candidate itself is discarded.
func (d *Deduper) merge(ctx context.Context, target *model.MemoryRecord, cand registryextract.Candidate, source model.MemorySource) (*model.MemoryRecord, error) {
	updated := *target
	if cand.CapturedAt.After(updated.CapturedAt) {
		updated.CapturedAt = cand.CapturedAt
	}
	updated.SourceHistory = appendSource(updated.SourceHistory, source)
	ScoreRecord(&updated, cand.Confidence, d.halfLife, time.Now().UTC())
	if err := d.store.UpdateMemory(ctx, &updated, target.Version); err != nil {
		return nil, err
	}
	return &updated, nil
}

// supersede inserts the evolved fact and links the old record to it. The new
// record carries the old record's source history forward.
func (d *Deduper) supersede(ctx context.Context, userID string, target *model.MemoryRecord, cand registryextract.Candidate, source model.MemorySource, embedding []float32) (*model.MemoryRecord, error) {
	// Active capturedAt never goes below the record it replaces.
	if target.CapturedAt.After(cand.CapturedAt) {
		cand.CapturedAt = target.CapturedAt
	}
	rec, err := d.insert(ctx, userID, cand, source, embedding, target.SourceHistory)
	if err != nil {
		return nil, err
	}
	if err := d.linkSuperseded(ctx, userID, target, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// linkSuperseded retries the version-gated supersession pointer on its own:
// the new record is already inserted, so re-running the whole decision would
// merge the candidate into itself.
func (d *Deduper) linkSuperseded(ctx context.Context, userID string, target *model.MemoryRecord, by uuid.UUID) error {
	version := target.Version
	for attempt := 0; ; attempt++ {
		err := d.store.MarkSuperseded(ctx, userID, target.ID, by, version)
		var conflict *registrystore.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		if attempt >= d.conflictRetries {
			return &registrystore.PersistenceError{Op: "MarkSuperseded", Err: err}
		}
		fresh, getErr := d.store.GetMemory(ctx, userID, target.ID)
		if getErr != nil {
			return getErr
		}
		if !fresh.Active() {
			// A concurrent writer already superseded it; the chain still
			// terminates in one active record.
			return nil
		}
		version = fresh.Version
	}
}

func (d *Deduper) insert(ctx context.Context, userID string, cand registryextract.Candidate, source model.MemorySource, embedding []float32, carried []model.MemorySource) (*model.MemoryRecord, error) {
	rec := &model.MemoryRecord{
		UserID:        userID,
		Kind:          cand.Kind,
		Content:       cand.Content,
		Embedding:     embedding,
		CapturedAt:    cand.CapturedAt,
		SourceHistory: appendSource(append([]model.MemorySource(nil), carried...), source),
	}
	ScoreRecord(rec, cand.Confidence, d.halfLife, time.Now().UTC())
	if err := d.store.InsertMemory(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// appendSource adds a source to the history unless an identical entry is
// already there; re-merging the same evidence stays a no-op.
func appendSource(history []model.MemorySource, source model.MemorySource) []model.MemorySource {
	for _, s := range history {
		if sameSource(s, source) {
			return history
		}
	}
	return append(history, source)
}

func sameSource(a, b model.MemorySource) bool {
	return a.TopicID == b.TopicID &&
		equalPtr(a.AgentID, b.AgentID) &&
		equalPtr(a.SessionID, b.SessionID) &&
		equalPtr(a.Title, b.Title)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
