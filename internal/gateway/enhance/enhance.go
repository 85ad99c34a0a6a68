// Package enhance rewrites short user prompts into richer image or video
// generation prompts with a chat completion model.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You rewrite prompts for image and video generation models.
Keep the subject and intent of the user's prompt. Add concrete detail about
composition, lighting, style and camera where it is missing. Answer with the
rewritten prompt only, on a single line, without quotes.`

// maxPromptLen caps what is sent to and accepted from the chat model.
const maxPromptLen = 2000

// Enhancer calls an OpenAI-compatible chat completion API.
type Enhancer struct {
	client *openai.Client
	model  string
}

// New creates an enhancer. baseURL may be empty to use the default API endpoint.
func New(apiKey, model, baseURL string) *Enhancer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Enhancer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Enhance returns the rewritten prompt.
func (e *Enhancer) Enhance(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	if len(prompt) > maxPromptLen {
		prompt = prompt[:maxPromptLen]
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   400,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI API returned no choices")
	}

	out := strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"`)
	if out == "" {
		return "", errors.New("OpenAI API returned an empty prompt")
	}
	if len(out) > maxPromptLen {
		out = out[:maxPromptLen]
	}
	return out, nil
}
