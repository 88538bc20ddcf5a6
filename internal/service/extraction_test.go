package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/recallhq/user-memory-service/internal/config"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExtractor captures the window it was handed.
type recordingExtractor struct {
	fakeExtractor
	lastRequest    registryextract.Request
	summarized     bool
	summarizeInput string
}

func (e *recordingExtractor) ExtractCandidates(ctx context.Context, req registryextract.Request) ([]registryextract.Candidate, error) {
	e.lastRequest = req
	return e.fakeExtractor.ExtractCandidates(ctx, req)
}

func (e *recordingExtractor) Summarize(_ context.Context, text string) (string, error) {
	e.summarized = true
	e.summarizeInput = text
	return "summary of the earlier discussion", nil
}

func runnerFixture(messages []registryextract.Message, mutate func(cfg *config.Config)) (*ExtractionRunner, *recordingExtractor) {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	agentID := "agent-7"
	src := &fakeSource{
		topics: map[string]*registryconvo.TopicInfo{
			"t1": {TopicID: "t1", UserID: "alice", Title: "travel", AgentID: &agentID},
		},
		messages: map[string][]registryextract.Message{"t1": messages},
	}
	extractor := &recordingExtractor{
		fakeExtractor: fakeExtractor{
			candidates: map[string][]registryextract.Candidate{
				"t1": {{Kind: "preference", Content: "x", Confidence: 0.9}},
			},
			failTopics: map[string]bool{},
		},
	}
	return NewExtractionRunner(src, extractor, &cfg), extractor
}

func someMessages(n int, size int) []registryextract.Message {
	now := time.Now().UTC()
	msgs := make([]registryextract.Message, n)
	for i := range msgs {
		msgs[i] = registryextract.Message{
			Role:      "user",
			Content:   strings.Repeat("a", size),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func TestRunnerPassesWindowAndSource(t *testing.T) {
	runner, extractor := runnerFixture(someMessages(3, 40), nil)

	candidates, src, err := runner.Run(context.Background(), "t1", "alice")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, "t1", src.TopicID)
	require.NotNil(t, src.Title)
	assert.Equal(t, "travel", *src.Title)
	require.NotNil(t, src.AgentID)
	assert.Equal(t, "agent-7", *src.AgentID)

	assert.False(t, extractor.summarized)
	assert.Len(t, extractor.lastRequest.Messages, 3)
	assert.Equal(t, "alice", extractor.lastRequest.UserID)
}

func TestRunnerSummarizesOversizedWindows(t *testing.T) {
	// 20 messages of ~250 tokens blow a 1000-token budget.
	runner, extractor := runnerFixture(someMessages(20, 1000), func(cfg *config.Config) {
		cfg.WindowTokenBudget = 1000
	})

	_, _, err := runner.Run(context.Background(), "t1", "alice")
	require.NoError(t, err)
	require.True(t, extractor.summarized)
	assert.NotEmpty(t, extractor.summarizeInput)

	// The window now opens with the summary turn and keeps a verbatim tail.
	window := extractor.lastRequest.Messages
	require.NotEmpty(t, window)
	assert.Contains(t, window[0].Content, "summary of the earlier discussion")
	assert.Less(t, len(window), 20)
	assert.Equal(t, strings.Repeat("a", 1000), window[len(window)-1].Content)
}

func TestRunnerEmptyWindowYieldsNoCandidates(t *testing.T) {
	runner, extractor := runnerFixture(nil, nil)

	candidates, src, err := runner.Run(context.Background(), "t1", "alice")
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, "t1", src.TopicID)
	assert.False(t, extractor.summarized)
}

func TestRunnerWrapsTopicLookupFailure(t *testing.T) {
	runner, _ := runnerFixture(nil, nil)

	_, _, err := runner.Run(context.Background(), "missing", "alice")
	var extractionErr *ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, "missing", extractionErr.TopicID)
	assert.Equal(t, "alice", extractionErr.UserID)
}
