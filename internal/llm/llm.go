package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arbiter-ai/arbiter/internal/models"
)

// AntithesisDraft holds LLM-suggested reviewer content: concerns the
// reviewer should raise against a thesis, plus supporting reasoning.
// The reviewer agent remains responsible for what it actually submits.
type AntithesisDraft struct {
	Concerns  []string `json:"concerns"`
	Reasoning string   `json:"reasoning"`
}

// Client wraps the Anthropic API for reviewer assistance.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildDraftPrompt constructs the system and user prompts for drafting
// an antithesis.
func buildDraftPrompt(thesis models.ThesisMessage, metrics models.HealthSnapshot) (system string, user string) {
	system = `You assist a peer reviewer in an agent recovery review. A paused agent has submitted its account of why it was paused (the thesis). Your job is to surface the concerns a careful reviewer should raise before agreeing to resume the agent. Return ONLY a JSON object with these fields:
- "concerns": array of short, specific concern strings (empty array if the thesis and metrics genuinely raise none)
- "reasoning": 1-3 sentences explaining the overall assessment

Rules:
- Challenge vague root causes and conditions that cannot be verified
- Flag any mismatch between the thesis and the observed metrics
- Do not invent metrics that were not provided
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Paused agent's thesis:\n")
	sb.WriteString("Root cause: " + thesis.RootCause + "\n")
	sb.WriteString("Proposed conditions: " + strings.Join(thesis.ProposedConditions, "; ") + "\n")
	sb.WriteString("Reasoning: " + thesis.Reasoning + "\n\n")
	fmt.Fprintf(&sb, "Observed metrics: coherence=%.2f attention_score=%.2f void_active=%t\n",
		metrics.Coherence, metrics.AttentionScore, metrics.VoidActive)
	user = sb.String()
	return
}

// DraftAntithesis asks the LLM to propose reviewer concerns for a thesis.
func (c *Client) DraftAntithesis(ctx context.Context, thesis models.ThesisMessage, metrics models.HealthSnapshot) (*AntithesisDraft, error) {
	systemPrompt, userPrompt := buildDraftPrompt(thesis, metrics)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var draft AntithesisDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &draft, nil
}
