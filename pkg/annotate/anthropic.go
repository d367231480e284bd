package annotate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/elonfeng/aifeed/internal/store"
)

const defaultAnthropicModel = "claude-haiku-4-5-20251001"

// Anthropic analyzes items with the Anthropic Messages API.
type Anthropic struct {
	client anthropicclient.Client
	model  string
}

// NewAnthropic creates an Anthropic analyzer. Retries are left to the
// Gateway, so the client itself never retries.
func NewAnthropic(apiKey, model, baseURL string) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return &Anthropic{
		client: anthropicclient.NewClient(opts...),
		model:  model,
	}
}

func (a *Anthropic) Analyze(ctx context.Context, item store.Item) (store.Annotation, error) {
	msg, err := a.client.Messages.New(ctx, anthropicclient.MessageNewParams{
		Model:       anthropicclient.Model(a.model),
		MaxTokens:   1024,
		Temperature: anthropicclient.Float(0.1),
		System:      []anthropicclient.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicclient.MessageParam{
			anthropicclient.NewUserMessage(anthropicclient.NewTextBlock(BuildPrompt(item))),
		},
	})
	if err != nil {
		return store.Annotation{}, classifyAnthropic(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return store.Annotation{}, &AnalysisError{Provider: "anthropic", Retryable: true, Err: errors.New("no text content returned")}
	}

	ann, err := ParseResponse(text.String())
	if err != nil {
		return store.Annotation{}, &AnalysisError{Provider: "anthropic", Retryable: true, Err: err}
	}
	return ann, nil
}

func classifyAnthropic(err error) error {
	var apiErr *anthropicclient.Error
	if errors.As(err, &apiErr) {
		return &AnalysisError{
			Provider:  "anthropic",
			Status:    apiErr.StatusCode,
			Retryable: retryableStatus(apiErr.StatusCode),
			Err:       err,
		}
	}
	return &AnalysisError{Provider: "anthropic", Retryable: true, Err: fmt.Errorf("call anthropic: %w", err)}
}

// retryableStatus reports whether an HTTP status is worth another attempt:
// rate limits, timeouts and server errors are; bad keys and bad requests
// are not.
func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
