package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/recallhq/user-memory-service/internal/config"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrymigrate "github.com/recallhq/user-memory-service/internal/registry/migrate"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/stretchr/testify/require"

	_ "github.com/recallhq/user-memory-service/internal/plugin/store/sqlite"
)

func setupTestStore(t *testing.T, cfg *config.Config) (registrystore.MemoryStore, context.Context) {
	t.Helper()

	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "memory.db")
	ctx := config.WithContext(context.Background(), cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	return store, ctx
}

// stubEmbedder returns fixed unit vectors per text, so tests place candidate
// pairs at exact cosine similarities.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (e *stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := e.vectors[text]
		if !ok {
			return nil, fmt.Errorf("stub embedder: no vector for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) ModelName() string { return "stub" }
func (e *stubEmbedder) Dimension() int    { return 3 }

type fakeSource struct {
	topics       map[string]*registryconvo.TopicInfo
	topicsByUser map[string][]string
	messages     map[string][]registryextract.Message
}

func (s *fakeSource) Topic(_ context.Context, topicID string) (*registryconvo.TopicInfo, error) {
	info, ok := s.topics[topicID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "topic", ID: topicID}
	}
	return info, nil
}

func (s *fakeSource) TopicsForUser(_ context.Context, userID string) ([]string, error) {
	return s.topicsByUser[userID], nil
}

func (s *fakeSource) Messages(_ context.Context, topicID string, limit int) ([]registryextract.Message, error) {
	msgs := s.messages[topicID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

type fakeExtractor struct {
	candidates map[string][]registryextract.Candidate // keyed by topic id
	failTopics map[string]bool
}

func (e *fakeExtractor) ExtractCandidates(_ context.Context, req registryextract.Request) ([]registryextract.Candidate, error) {
	if e.failTopics[req.TopicID] {
		return nil, fmt.Errorf("classifier unavailable for topic %s", req.TopicID)
	}
	return e.candidates[req.TopicID], nil
}

func (e *fakeExtractor) Summarize(_ context.Context, text string) (string, error) {
	return text, nil
}

func (e *fakeExtractor) Name() string { return "fake" }
