// Package anthropic implements the classification boundary with the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
)

func init() {
	registryextract.Register(registryextract.Plugin{
		Name:   "anthropic",
		Loader: load,
	})
}

func load(ctx context.Context) (registryextract.Extractor, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic extractor: MEMORY_EXTRACTOR_ANTHROPIC_API_KEY is required")
	}
	client := sdkanthropic.NewClient(
		option.WithAPIKey(cfg.AnthropicAPIKey),
		// Retries belong to the job queue, not the SDK.
		option.WithMaxRetries(0),
	)
	return &Extractor{client: &client, model: cfg.AnthropicModelName}, nil
}

type Extractor struct {
	client *sdkanthropic.Client
	model  string
}

func (e *Extractor) Name() string { return "anthropic" }

const systemPrompt = `You extract durable facts about the user from a conversation transcript.
Return ONLY a JSON array. Each element: {"kind": one of "identity"|"preference"|"activity"|"experience"|"context", "content": short third-person claim, "confidence": number in [0,1]}.
Only include claims likely to stay true beyond this conversation. Return [] when there are none.`

type claim struct {
	Kind       string  `json:"kind"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

func (e *Extractor) ExtractCandidates(ctx context.Context, req registryextract.Request) ([]registryextract.Candidate, error) {
	transcript, latest := renderTranscript(req.Messages)
	resp, err := e.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(e.model),
		MaxTokens: 1024,
		System: []sdkanthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(transcript)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic extract: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw := stripCodeFence(text.String())

	var claims []claim
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, fmt.Errorf("anthropic extract: parse claims: %w", err)
	}

	out := make([]registryextract.Candidate, 0, len(claims))
	for _, c := range claims {
		kind, ok := model.ParseKind(c.Kind)
		if !ok || strings.TrimSpace(c.Content) == "" {
			continue
		}
		out = append(out, registryextract.Candidate{
			Kind:       kind,
			Content:    strings.TrimSpace(c.Content),
			Confidence: clamp01(c.Confidence),
			CapturedAt: latest,
		})
	}
	return out, nil
}

func (e *Extractor) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := e.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(e.model),
		MaxTokens: 1024,
		System: []sdkanthropic.TextBlockParam{
			{Text: "Summarize the conversation below, keeping every concrete fact about the user."},
		},
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func renderTranscript(messages []registryextract.Message) (string, time.Time) {
	var sb strings.Builder
	var latest time.Time
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	if latest.IsZero() {
		latest = time.Now().UTC()
	}
	return sb.String(), latest
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
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

var _ registryextract.Extractor = (*Extractor)(nil)
