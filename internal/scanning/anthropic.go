package scanning

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

const anthropicMaxTokens = 1024

// Anthropic answers questions about bills using the Anthropic Messages API
type Anthropic struct {
	client  sdk.Client
	model   string
	limiter *rate.Limiter
}

// NewAnthropic creates a new Anthropic answerer. Extra request options (for example a base URL) are passed
// through to the SDK client.
func NewAnthropic(apiKey, modelName string, rps float64, opts ...option.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}

	return &Anthropic{
		client:  sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:   modelName,
		limiter: newLimiter(rps),
	}, nil
}

// Answer sends the bill context and question as a single user turn
func (a *Anthropic) Answer(ctx context.Context, question, billContext string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System:    []sdk.TextBlockParam{{Text: answerPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("Bill data:\n" + billContext + "\n\nQuestion: " + question)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating anthropic message: %w", err)
	}

	var answer strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}
	if answer.Len() == 0 {
		return "", fmt.Errorf("no text in anthropic response")
	}
	return strings.TrimSpace(answer.String()), nil
}
