// Package heuristic is a deterministic rule-based extractor. It exists for
// development and tests: no network, no model, stable output for a given
// window.
package heuristic

import (
	"context"
	"regexp"
	"strings"

	"github.com/recallhq/user-memory-service/internal/model"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
)

func init() {
	registryextract.Register(registryextract.Plugin{
		Name: "heuristic",
		Loader: func(_ context.Context) (registryextract.Extractor, error) {
			return &Extractor{}, nil
		},
	})
}

type rule struct {
	kind       model.MemoryKind
	pattern    *regexp.Regexp
	confidence float64
}

// First matching rule wins per message; ordering is specific to general.
var rules = []rule{
	{model.KindPreference, regexp.MustCompile(`(?i)\bi\s+(love|like|prefer|enjoy|hate|dislike)\b`), 0.85},
	{model.KindIdentity, regexp.MustCompile(`(?i)\b(i\s+am|i'm)\s+an?\s+\w+`), 0.8},
	{model.KindIdentity, regexp.MustCompile(`(?i)\bmy\s+name\s+is\b`), 0.9},
	{model.KindExperience, regexp.MustCompile(`(?i)\bi\s+(went|visited|tried|attended|watched)\b`), 0.7},
	{model.KindActivity, regexp.MustCompile(`(?i)\bi\s+(play|practice|train|study)\b|\bworking\s+on\b`), 0.7},
	{model.KindContext, regexp.MustCompile(`(?i)\bi\s+live\s+in\b|\bmy\s+(timezone|deadline|schedule)\b|\bdue\s+(on|by)\b`), 0.65},
}

type Extractor struct{}

func (e *Extractor) Name() string { return "heuristic" }

func (e *Extractor) ExtractCandidates(_ context.Context, req registryextract.Request) ([]registryextract.Candidate, error) {
	var out []registryextract.Candidate
	seen := map[string]bool{}
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		for _, sentence := range splitSentences(msg.Content) {
			for _, r := range rules {
				if !r.pattern.MatchString(sentence) {
					continue
				}
				claim := normalizeClaim(sentence)
				if claim == "" || seen[claim] {
					break
				}
				seen[claim] = true
				out = append(out, registryextract.Candidate{
					Kind:       r.kind,
					Content:    claim,
					Confidence: r.confidence,
					CapturedAt: msg.CreatedAt,
				})
				break
			}
		}
	}
	return out, nil
}

// Summarize keeps the head and tail of an oversized window. Cheap stand-in
// for the model-backed summarization chain.
func (e *Extractor) Summarize(_ context.Context, text string) (string, error) {
	const keep = 2000
	if len(text) <= 2*keep {
		return text, nil
	}
	return text[:keep] + "\n[...]\n" + text[len(text)-keep:], nil
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeClaim(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

var _ registryextract.Extractor = (*Extractor)(nil)
