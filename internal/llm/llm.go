package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxDiffBytes caps how much of a diff is sent for review.
const maxDiffBytes = 100_000

// CodeReview holds the structured verdict for a pull request diff.
type CodeReview struct {
	Verdict  string   `json:"verdict"` // "pass" or "fail"
	Summary  string   `json:"summary"`
	Findings []string `json:"findings"`
}

// Passed reports whether the review verdict allows the pipeline to continue.
func (r *CodeReview) Passed() bool {
	return strings.EqualFold(r.Verdict, "pass")
}

// Client wraps the Anthropic API for pull request analysis.
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

// buildReviewPrompt constructs the system and user prompts for diff review.
func buildReviewPrompt(title, diff string) (system string, user string) {
	system = `You review pull request diffs for a CI dashboard. Return ONLY a JSON object with these fields:
- "verdict": "pass" if the change is safe to merge, "fail" if it must be blocked
- "summary": a 1-3 sentence summary of what the change does
- "findings": an array of strings, one per concrete problem found (empty array when none)

Rules:
- Fail only for real defects: broken logic, security issues, breaking API changes, missing error handling on critical paths
- Style preferences are not findings
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Pull request: ")
	sb.WriteString(title)
	sb.WriteString("\n\nDiff:\n\n")
	sb.WriteString(diff)
	user = sb.String()
	return
}

// ReviewDiff sends a pull request diff to the LLM and returns a structured verdict.
func (c *Client) ReviewDiff(ctx context.Context, title, diff string) (*CodeReview, error) {
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes] + "\n... (diff truncated)"
	}
	systemPrompt, userPrompt := buildReviewPrompt(title, diff)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
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

	// Extract text from response
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

	return parseReview(text)
}

// parseReview decodes the LLM response, tolerating markdown fencing.
func parseReview(text string) (*CodeReview, error) {
	text = stripFencing(text)

	var review CodeReview
	if err := json.Unmarshal([]byte(text), &review); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &review, nil
}

// stripFencing removes markdown code fencing if present.
func stripFencing(text string) string {
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
	return text
}
