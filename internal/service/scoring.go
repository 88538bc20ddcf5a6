package service

import (
	"math"
	"time"

	"github.com/recallhq/user-memory-service/internal/model"
)

// ScoreRecord fills the record's kind-specific score fields from the
// extraction confidence and a recency-decay term. Pure: depends only on its
// arguments and the reference time.
//
// Every score lands in [0,1]. Recency decays exponentially with the given
// half-life, so a fact captured now scores 1 on the recency axis and a fact
// one half-life old scores 0.5.
func ScoreRecord(rec *model.MemoryRecord, confidence float64, halfLife time.Duration, now time.Time) {
	confidence = clamp01(confidence)
	recency := recencyDecay(rec.CapturedAt, halfLife, now)

	switch rec.Kind {
	case model.KindPreference:
		// Stable preferences matter even when old; weight confidence higher.
		rec.ScorePriority = ptr(clamp01(0.7*confidence + 0.3*recency))
	case model.KindContext, model.KindActivity:
		// Context and activities go stale fast; recency dominates urgency.
		rec.ScoreImpact = ptr(clamp01(0.6*confidence + 0.4*recency))
		rec.ScoreUrgency = ptr(clamp01(0.3*confidence + 0.7*recency))
	case model.KindIdentity, model.KindExperience:
		rec.ScoreConfidence = ptr(confidence)
	}
}

func recencyDecay(capturedAt time.Time, halfLife time.Duration, now time.Time) float64 {
	if halfLife <= 0 || capturedAt.IsZero() {
		return 1
	}
	age := now.Sub(capturedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr(v float64) *float64 { return &v }
