package source

import "strings"

// DefaultKeywords is used when a source filters by keyword but none are configured.
var DefaultKeywords = []string{
	"artificial intelligence", "machine learning", "deep learning",
	"neural network", "LLM", "large language model", "GPT",
	"transformer", "diffusion model", "computer vision",
	"natural language processing", "generative AI", "genai",
	"AGI", "reinforcement learning", "fine-tuning",
	"retrieval augmented", "foundation model", "AI agent", "agentic",
	"openai", "anthropic", "claude", "gemini", "llama", "mistral",
	"hugging face", "pytorch", "multimodal", "AI safety", "alignment",
}

// Filter matches text against include and exclude keyword lists.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter creates a case-insensitive filter. An empty include list
// falls back to DefaultKeywords.
func NewFilter(include, exclude []string) *Filter {
	if len(include) == 0 {
		include = DefaultKeywords
	}
	return &Filter{include: lowerAll(include), exclude: lowerAll(exclude)}
}

// Match reports whether text contains an include keyword and no exclude keyword.
func (f *Filter) Match(text string) bool {
	if !f.allowed(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range f.include {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// allowed reports whether text contains none of the exclude keywords.
func (f *Filter) allowed(text string) bool {
	lower := strings.ToLower(text)
	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	return true
}

func lowerAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}
