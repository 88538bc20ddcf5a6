package convo

import (
	"context"
	"fmt"

	"github.com/recallhq/user-memory-service/internal/registry/extract"
)

// TopicInfo is the display metadata of a topic.
type TopicInfo struct {
	TopicID string
	UserID  string // owning user
	Title   string
	AgentID *string
}

// ConversationSource is the read-only boundary to the conversation system.
// The pipeline only ever reads from it.
type ConversationSource interface {
	// Topic returns metadata for a topic, including its owning user.
	// Returns a *store.NotFoundError-compatible error when unknown.
	Topic(ctx context.Context, topicID string) (*TopicInfo, error)
	// TopicsForUser returns the ids of every topic owned by the user.
	TopicsForUser(ctx context.Context, userID string) ([]string, error)
	// Messages returns the topic's conversation window, oldest first,
	// capped at limit.
	Messages(ctx context.Context, topicID string, limit int) ([]extract.Message, error)
}

// Loader creates a ConversationSource from config.
type Loader func(ctx context.Context) (ConversationSource, error)

// Plugin represents a conversation source plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a conversation source plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered conversation source plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named conversation source plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown conversation source %q; valid: %v", name, Names())
}
