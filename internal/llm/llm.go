// Package llm writes commit messages for sync pushes using the Anthropic API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxSubject is the longest subject line kept from a response.
const maxSubject = 72

// maxChanges caps how many change lines are sent in one prompt.
const maxChanges = 200

// Client wraps the Anthropic API for commit message summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, opts ...option.RequestOption) *Client {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

type summary struct {
	Subject string `json:"subject"`
}

// buildPrompt constructs the system and user prompts for a commit summary.
func buildPrompt(changes []string) (system string, user string) {
	system = `You write git commit subject lines for changes made in a watch-app editor. Return ONLY a JSON object with one field:
- "subject": an imperative commit subject line of at most 72 characters

Rules:
- Describe what changed, not how it was synced
- Mention file names only when one or two files changed
- Do not end the subject with a period
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Changes in this commit:\n")
	for i, c := range changes {
		if i == maxChanges {
			fmt.Fprintf(&sb, "... and %d more\n", len(changes)-maxChanges)
			break
		}
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// SummarizeChanges asks the model for a commit subject describing changes.
func (c *Client) SummarizeChanges(ctx context.Context, changes []string) (string, error) {
	if len(changes) == 0 {
		return "", fmt.Errorf("no changes to summarize")
	}
	systemPrompt, userPrompt := buildPrompt(changes)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return parseSubject(text)
}

// parseSubject reads the subject from a model response, tolerating markdown
// fencing, and trims it to one line.
func parseSubject(text string) (string, error) {
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

	var s summary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return "", fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	subject, _, _ := strings.Cut(strings.TrimSpace(s.Subject), "\n")
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if subject == "" {
		return "", fmt.Errorf("empty subject in LLM response")
	}
	if r := []rune(subject); len(r) > maxSubject {
		subject = string(r[:maxSubject])
	}
	return subject, nil
}
