package models

// Response metadata keys set by the engine and provider adapters.
const (
	MetaFinishReason      = "finishReason"
	MetaProviderID        = "providerId"
	MetaProviderRequestID = "providerRequestId"
	MetaAttempt           = "attempt"
	MetaFallback          = "fallback"
	MetaTokensUsed        = "tokensUsed"
)

// FinishReason is the normalized reason a provider stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// InferenceResponse is the provider-neutral result of a blocking inference
// call.
type InferenceResponse struct {
	RequestID  string            `json:"request_id"`
	Model      string            `json:"model"`
	Content    string            `json:"content"`
	TokensUsed int               `json:"tokens_used"`
	DurationMs int64             `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SetMeta sets one metadata key, allocating the map lazily.
func (r *InferenceResponse) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// StreamChunk is one unit of a streamed response. IsFinal marks the
// terminating chunk; a final chunk may carry an empty delta and usage
// metadata.
type StreamChunk struct {
	RequestID string            `json:"request_id"`
	Delta     string            `json:"delta"`
	IsFinal   bool              `json:"is_final"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Usage is the token accounting a provider reports for one call. A zero
// TotalTokens means the provider did not report usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
