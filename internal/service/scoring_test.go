package service

import (
	"testing"
	"time"

	"github.com/recallhq/user-memory-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const halfLife = 14 * 24 * time.Hour

func TestScoreRecordPreference(t *testing.T) {
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	rec := &model.MemoryRecord{Kind: model.KindPreference, CapturedAt: now}

	ScoreRecord(rec, 0.8, halfLife, now)
	require.NotNil(t, rec.ScorePriority)
	assert.InDelta(t, 0.7*0.8+0.3*1.0, *rec.ScorePriority, 1e-9)
	assert.Nil(t, rec.ScoreImpact)
	assert.Nil(t, rec.ScoreConfidence)
}

func TestScoreRecordContextRecencyDominatesUrgency(t *testing.T) {
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	rec := &model.MemoryRecord{Kind: model.KindContext, CapturedAt: now.Add(-halfLife)}

	ScoreRecord(rec, 1.0, halfLife, now)
	require.NotNil(t, rec.ScoreImpact)
	require.NotNil(t, rec.ScoreUrgency)
	// One half-life old: recency is exactly 0.5.
	assert.InDelta(t, 0.6*1.0+0.4*0.5, *rec.ScoreImpact, 1e-9)
	assert.InDelta(t, 0.3*1.0+0.7*0.5, *rec.ScoreUrgency, 1e-9)
	assert.Less(t, *rec.ScoreUrgency, *rec.ScoreImpact)
}

func TestScoreRecordIdentityIsPureConfidence(t *testing.T) {
	now := time.Now().UTC()
	rec := &model.MemoryRecord{Kind: model.KindIdentity, CapturedAt: now.Add(-1000 * time.Hour)}

	ScoreRecord(rec, 0.65, halfLife, now)
	require.NotNil(t, rec.ScoreConfidence)
	assert.Equal(t, 0.65, *rec.ScoreConfidence)
	assert.Nil(t, rec.ScorePriority)
}

func TestScoreRecordClampsConfidence(t *testing.T) {
	now := time.Now().UTC()
	rec := &model.MemoryRecord{Kind: model.KindExperience, CapturedAt: now}

	ScoreRecord(rec, 1.7, halfLife, now)
	require.NotNil(t, rec.ScoreConfidence)
	assert.Equal(t, 1.0, *rec.ScoreConfidence)
}

func TestRecencyDecayBounds(t *testing.T) {
	now := time.Now().UTC()

	// Future or zero capture times never score above 1.
	assert.Equal(t, 1.0, recencyDecay(now.Add(time.Hour), halfLife, now))
	assert.Equal(t, 1.0, recencyDecay(time.Time{}, halfLife, now))
	// Decay is monotonic in age.
	newer := recencyDecay(now.Add(-24*time.Hour), halfLife, now)
	older := recencyDecay(now.Add(-240*time.Hour), halfLife, now)
	assert.Greater(t, newer, older)
	assert.Greater(t, older, 0.0)
}
