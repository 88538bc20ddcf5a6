package model

// Sort keys accepted by the read API. Each kind allows capturedAt plus the
// keys of its own score fields.
const (
	SortCapturedAt      = "capturedAt"
	SortScorePriority   = "scorePriority"
	SortScoreImpact     = "scoreImpact"
	SortScoreUrgency    = "scoreUrgency"
	SortScoreConfidence = "scoreConfidence"
)

// KindSpec describes one memory kind: which score fields it carries and which
// sort keys its read view accepts. All kind-dependent behavior dispatches
// through this table.
type KindSpec struct {
	Kind     MemoryKind
	SortKeys []string
}

var kindSpecs = map[MemoryKind]KindSpec{
	KindIdentity: {
		Kind:     KindIdentity,
		SortKeys: []string{SortCapturedAt, SortScoreConfidence},
	},
	KindPreference: {
		Kind:     KindPreference,
		SortKeys: []string{SortCapturedAt, SortScorePriority},
	},
	KindActivity: {
		Kind:     KindActivity,
		SortKeys: []string{SortCapturedAt, SortScoreImpact, SortScoreUrgency},
	},
	KindExperience: {
		Kind:     KindExperience,
		SortKeys: []string{SortCapturedAt, SortScoreConfidence},
	},
	KindContext: {
		Kind:     KindContext,
		SortKeys: []string{SortCapturedAt, SortScoreImpact, SortScoreUrgency},
	},
}

// Kinds returns every memory kind in a stable order.
func Kinds() []MemoryKind {
	return []MemoryKind{KindIdentity, KindPreference, KindActivity, KindExperience, KindContext}
}

// ParseKind validates a kind string from the API surface.
func ParseKind(s string) (MemoryKind, bool) {
	k := MemoryKind(s)
	_, ok := kindSpecs[k]
	return k, ok
}

// Spec returns the KindSpec for a kind.
func Spec(kind MemoryKind) (KindSpec, bool) {
	spec, ok := kindSpecs[kind]
	return spec, ok
}

// AllowsSort reports whether the kind's read view accepts the sort key.
func AllowsSort(kind MemoryKind, key string) bool {
	spec, ok := kindSpecs[kind]
	if !ok {
		return false
	}
	for _, s := range spec.SortKeys {
		if s == key {
			return true
		}
	}
	return false
}
