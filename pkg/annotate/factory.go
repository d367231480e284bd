package annotate

import "fmt"

// NewAnalyzer returns the analyzer for provider ("anthropic" or "openai").
func NewAnalyzer(provider, apiKey, model, baseURL string) (Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s analyzer: api key is empty", provider)
	}
	switch provider {
	case "anthropic":
		return NewAnthropic(apiKey, model, baseURL), nil
	case "openai", "":
		return NewOpenAI(apiKey, model, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", provider)
	}
}
