package providers

import "log/slog"

const cerebrasBaseURL = "https://api.cerebras.ai/v1"

// NewCerebras builds the adapter for the Cerebras inference API, which
// speaks the OpenAI chat-completions dialect. Cerebras serves open-weight
// models only and does not accept tool definitions.
func NewCerebras(cfg VendorConfig, logger *slog.Logger) Provider {
	cfg = cfg.withDefaults("cerebras", cerebrasBaseURL, []string{"llama*", "qwen*", "gpt-oss*"})
	return newOpenAICompat(cfg, Capabilities{
		Streaming:        true,
		ToolCalling:      false,
		Multimodal:       false,
		MaxContextTokens: 65536,
		MaxOutputTokens:  8192,
		MaxConcurrent:    cfg.MaxConcurrent,
		CostClass:        CostPaid,
	}, logger)
}
