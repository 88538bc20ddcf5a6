package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/recallhq/user-memory-service/internal/model"
)

// Message is one turn of the topic's conversation window, oldest first.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Candidate is one memory claim produced from a conversation window. It is
// provisional: the dedup engine decides whether it becomes a record.
type Candidate struct {
	Kind       model.MemoryKind `json:"kind"`
	Content    string           `json:"content"`
	Confidence float64          `json:"confidence"` // [0,1]
	CapturedAt time.Time        `json:"capturedAt"`
}

// Request carries one job's conversation window into the classifier.
type Request struct {
	TopicID  string
	UserID   string
	Messages []Message
}

// Extractor is the language-model classification boundary. Implementations
// never touch the memory store.
type Extractor interface {
	// ExtractCandidates classifies the window into zero or more candidates.
	ExtractCandidates(ctx context.Context, req Request) ([]Candidate, error)
	// Summarize compresses text that exceeds the token budget.
	Summarize(ctx context.Context, text string) (string, error)
	// Name returns the plugin name.
	Name() string
}

// Loader creates an Extractor from config.
type Loader func(ctx context.Context) (Extractor, error)

// Plugin represents an extractor plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an extractor plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered extractor plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named extractor plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown extractor %q; valid: %v", name, Names())
}
