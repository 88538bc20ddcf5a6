package service

import (
	"context"
	"testing"
	"time"

	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Unit vectors placing test contents at known cosine similarities to [1,0,0].
var dedupVectors = map[string][]float32{
	"likes milk tea":                        {1, 0, 0},
	"enjoys milk tea":                       {0.95, 0.31225, 0},  // cos 0.95: same fact
	"likes oolong milk tea with less sugar": {0.85, 0.52678, 0},  // cos 0.85: evolved fact
	"is vegetarian":                         {0, 0, 1},           // orthogonal: unrelated
	"orders bubble tea daily":               {1, 0, 0},
	"visits a climbing gym":                 {0.93, 0.36756, 0},  // cos 0.93
	"goes bouldering weekly":                {0.94, 0.34117, 0},  // cos 0.94
}

func setupDeduper(t *testing.T) (*Deduper, registrystore.MemoryStore, context.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	store, ctx := setupTestStore(t, &cfg)
	deduper := NewDeduper(store, &stubEmbedder{vectors: dedupVectors}, &cfg)
	return deduper, store, ctx
}

func prefCandidate(content string, capturedAt time.Time) registryextract.Candidate {
	return registryextract.Candidate{
		Kind:       model.KindPreference,
		Content:    content,
		Confidence: 0.9,
		CapturedAt: capturedAt,
	}
}

func source(topicID string) model.MemorySource {
	return model.MemorySource{TopicID: topicID}
}

func activePreferences(t *testing.T, store registrystore.MemoryStore, ctx context.Context, userID string) []model.MemoryRecord {
	t.Helper()
	page, err := store.ListMemories(ctx, userID, model.KindPreference, registrystore.ListQuery{Page: 1, PageSize: 50})
	require.NoError(t, err)
	return page.Items
}

func TestDeduperInsertsNewFact(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	action, rec, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now), source("t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, action)
	require.NotNil(t, rec.ScorePriority)
	assert.Equal(t, []model.MemorySource{{TopicID: "t1"}}, rec.SourceHistory)

	assert.Len(t, activePreferences(t, store, ctx, "alice"), 1)
}

func TestDeduperMergesSameFact(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	_, first, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now.Add(-time.Hour)), source("t1"))
	require.NoError(t, err)

	// Re-processing the same evidence changes nothing but the version.
	action, rec, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now.Add(-time.Hour)), source("t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, action)
	assert.Equal(t, first.ID, rec.ID)
	assert.Len(t, rec.SourceHistory, 1)

	// The same fact from a new conversation joins the source history and
	// advances capturedAt.
	action, rec, err = deduper.Apply(ctx, "alice", prefCandidate("enjoys milk tea", now), source("t2"))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, action)
	assert.Equal(t, first.ID, rec.ID)
	assert.Equal(t, "likes milk tea", rec.Content)
	assert.Len(t, rec.SourceHistory, 2)
	assert.True(t, rec.CapturedAt.Equal(now))

	assert.Len(t, activePreferences(t, store, ctx, "alice"), 1)
}

func TestDeduperSupersedesEvolvedFact(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	_, old, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now.Add(-time.Hour)), source("t1"))
	require.NoError(t, err)

	action, repl, err := deduper.Apply(ctx, "alice", prefCandidate("likes oolong milk tea with less sugar", now), source("t2"))
	require.NoError(t, err)
	assert.Equal(t, ActionSuperseded, action)
	assert.NotEqual(t, old.ID, repl.ID)
	assert.Equal(t, "likes oolong milk tea with less sugar", repl.Content)
	// Provenance carries forward.
	assert.Equal(t, []model.MemorySource{{TopicID: "t1"}, {TopicID: "t2"}}, repl.SourceHistory)

	// The chain points old -> new and terminates in one active record.
	oldGot, err := store.GetMemory(ctx, "alice", old.ID)
	require.NoError(t, err)
	require.NotNil(t, oldGot.SupersededBy)
	assert.Equal(t, repl.ID, *oldGot.SupersededBy)

	replGot, err := store.GetMemory(ctx, "alice", repl.ID)
	require.NoError(t, err)
	assert.Nil(t, replGot.SupersededBy)

	items := activePreferences(t, store, ctx, "alice")
	require.Len(t, items, 1)
	assert.Equal(t, repl.ID, items[0].ID)
}

func TestDeduperUnrelatedFactsCoexist(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	_, _, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now), source("t1"))
	require.NoError(t, err)
	action, _, err := deduper.Apply(ctx, "alice", prefCandidate("is vegetarian", now), source("t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, action)

	assert.Len(t, activePreferences(t, store, ctx, "alice"), 2)
}

func TestDeduperPartitionsByUser(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	_, _, err := deduper.Apply(ctx, "alice", prefCandidate("likes milk tea", now), source("t1"))
	require.NoError(t, err)
	action, _, err := deduper.Apply(ctx, "bob", prefCandidate("likes milk tea", now), source("t3"))
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, action)

	assert.Len(t, activePreferences(t, store, ctx, "alice"), 1)
	assert.Len(t, activePreferences(t, store, ctx, "bob"), 1)
}

func TestDeduperTieBreaksByMostRecentCapture(t *testing.T) {
	deduper, store, ctx := setupDeduper(t)
	now := time.Now().UTC()

	// Two near-equal matches: the slightly closer one is older.
	older := &model.MemoryRecord{
		UserID: "alice", Kind: model.KindPreference,
		Content: "goes bouldering weekly", Embedding: dedupVectors["goes bouldering weekly"],
		CapturedAt: now.Add(-48 * time.Hour),
	}
	recent := &model.MemoryRecord{
		UserID: "alice", Kind: model.KindPreference,
		Content: "visits a climbing gym", Embedding: dedupVectors["visits a climbing gym"],
		CapturedAt: now.Add(-time.Hour),
	}
	require.NoError(t, store.InsertMemory(ctx, older))
	require.NoError(t, store.InsertMemory(ctx, recent))

	action, rec, err := deduper.Apply(ctx, "alice", prefCandidate("orders bubble tea daily", now), source("t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, action)
	assert.Equal(t, recent.ID, rec.ID)
}
