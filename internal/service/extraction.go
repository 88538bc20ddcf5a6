package service

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
)

// ExtractionRunner loads one job's conversation window, compresses it when it
// exceeds the token budget, and runs the classifier over it.
type ExtractionRunner struct {
	source    registryconvo.ConversationSource
	extractor registryextract.Extractor

	messageLimit int
	tokenBudget  int
	callTimeout  time.Duration
}

func NewExtractionRunner(source registryconvo.ConversationSource, extractor registryextract.Extractor, cfg *config.Config) *ExtractionRunner {
	return &ExtractionRunner{
		source:       source,
		extractor:    extractor,
		messageLimit: cfg.WindowMessageLimit,
		tokenBudget:  cfg.WindowTokenBudget,
		callTimeout:  cfg.ExtractTimeout,
	}
}

// Run produces the candidates for one (topic, user) work item plus the source
// descriptor every resulting record will carry. Failures are wrapped in
// ExtractionError so the job loop can record them without losing the work
// item's identity.
func (r *ExtractionRunner) Run(ctx context.Context, topicID, userID string) ([]registryextract.Candidate, model.MemorySource, error) {
	source := model.MemorySource{TopicID: topicID}
	info, err := r.source.Topic(ctx, topicID)
	if err != nil {
		return nil, source, &ExtractionError{TopicID: topicID, UserID: userID, Err: err}
	}
	if info.Title != "" {
		title := info.Title
		source.Title = &title
	}
	source.AgentID = info.AgentID

	messages, err := r.source.Messages(ctx, topicID, r.messageLimit)
	if err != nil {
		return nil, source, &ExtractionError{TopicID: topicID, UserID: userID, Err: err}
	}
	if len(messages) == 0 {
		return nil, source, nil
	}

	messages, err = r.fitBudget(ctx, messages)
	if err != nil {
		return nil, source, &ExtractionError{TopicID: topicID, UserID: userID, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	candidates, err := r.extractor.ExtractCandidates(callCtx, registryextract.Request{
		TopicID:  topicID,
		UserID:   userID,
		Messages: messages,
	})
	if err != nil {
		return nil, source, &ExtractionError{TopicID: topicID, UserID: userID, Err: err}
	}
	return candidates, source, nil
}

// fitBudget summarizes the oldest part of the window when the whole window is
// over budget, keeping the tail verbatim. Token counts are estimated at four
// characters per token.
func (r *ExtractionRunner) fitBudget(ctx context.Context, messages []registryextract.Message) ([]registryextract.Message, error) {
	if estimateTokens(messages) <= r.tokenBudget {
		return messages, nil
	}

	// Walk back from the newest message until the verbatim tail fits half
	// the budget; everything older gets summarized into a single turn.
	tailStart := len(messages)
	tailTokens := 0
	for tailStart > 1 {
		next := tailTokens + len(messages[tailStart-1].Content)/4 + 1
		if next > r.tokenBudget/2 {
			break
		}
		tailTokens = next
		tailStart--
	}
	head := messages[:tailStart]
	tail := messages[tailStart:]

	var sb strings.Builder
	for _, m := range head {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	summary, err := r.extractor.Summarize(callCtx, sb.String())
	if err != nil {
		return nil, err
	}
	log.Debug("Extraction: summarized window head",
		"headMessages", len(head), "tailMessages", len(tail))

	window := make([]registryextract.Message, 0, len(tail)+1)
	window = append(window, registryextract.Message{
		Role:      "assistant",
		Content:   "Summary of earlier conversation: " + summary,
		CreatedAt: head[len(head)-1].CreatedAt,
	})
	window = append(window, tail...)
	return window, nil
}

func estimateTokens(messages []registryextract.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 1
	}
	return total
}
