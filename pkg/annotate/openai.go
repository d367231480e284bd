package annotate

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"

	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"

	"github.com/elonfeng/aifeed/internal/store"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI analyzes items with an OpenAI-compatible chat completions API.
type OpenAI struct {
	client openaiclient.Client
	model  string
}

// NewOpenAI creates an OpenAI analyzer. baseURL may point at any
// compatible endpoint, with or without the /v1 suffix.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if normalized := normalizeOpenAIBaseURL(baseURL); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}
	return &OpenAI{
		client: openaiclient.NewClient(opts...),
		model:  model,
	}
}

func (o *OpenAI) Analyze(ctx context.Context, item store.Item) (store.Annotation, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openaiclient.ChatCompletionNewParams{
		Model:       openaiclient.ChatModel(o.model),
		Temperature: openaiclient.Float(0.1),
		Messages: []openaiclient.ChatCompletionMessageParamUnion{
			openaiclient.SystemMessage(systemPrompt),
			openaiclient.UserMessage(BuildPrompt(item)),
		},
	})
	if err != nil {
		return store.Annotation{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return store.Annotation{}, &AnalysisError{Provider: "openai", Retryable: true, Err: errors.New("no choices returned")}
	}

	ann, err := ParseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return store.Annotation{}, &AnalysisError{Provider: "openai", Retryable: true, Err: err}
	}
	return ann, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openaiclient.Error
	if errors.As(err, &apiErr) {
		return &AnalysisError{
			Provider:  "openai",
			Status:    apiErr.StatusCode,
			Retryable: retryableStatus(apiErr.StatusCode),
			Err:       err,
		}
	}
	return &AnalysisError{Provider: "openai", Retryable: true, Err: fmt.Errorf("call openai: %w", err)}
}

func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}

	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/") + "/"
}
