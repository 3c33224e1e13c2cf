package types

// Request is a single-shot completion request.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// PromptResult is the normalized provider response payload.
type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

// PromptMetadata carries provider/model identity and optional usage accounting.
type PromptMetadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ReasoningTokens int64
	CacheReadTokens int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheReadTokens == 0
}

// Counters flattens usage into metric counters keyed usage_*.
func (u TokenUsage) Counters() map[string]int64 {
	return map[string]int64{
		"usage_input_tokens":      u.InputTokens,
		"usage_output_tokens":     u.OutputTokens,
		"usage_total_tokens":      u.TotalTokens,
		"usage_reasoning_tokens":  u.ReasoningTokens,
		"usage_cache_read_tokens": u.CacheReadTokens,
	}
}
