package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// OpenAI API defaults.
const (
	openAIBaseURL = "https://api.openai.com/v1"
	sseDone       = "[DONE]"
)

// VendorConfig configures a cloud vendor adapter.
type VendorConfig struct {
	// ID overrides the registry id; empty keeps the vendor default.
	ID string
	// Version labels this adapter generation for registry shadowing.
	Version string
	// BaseURL overrides the vendor endpoint, e.g. for gateways or tests.
	BaseURL string
	// APIKey authenticates against the vendor.
	APIKey string
	// Models lists served model ids; entries may end in '*' for prefixes.
	Models []string
	// Timeout caps one blocking HTTP call.
	Timeout time.Duration
	// MaxConcurrent sizes the load gauge; zero means the vendor default.
	MaxConcurrent int
}

func (c VendorConfig) withDefaults(id, baseURL string, patterns []string) VendorConfig {
	if c.ID == "" {
		c.ID = id
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if len(c.Models) == 0 {
		c.Models = patterns
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	return c
}

// openAICompat implements Provider against the OpenAI chat-completions wire
// format, which several vendors expose verbatim.
type openAICompat struct {
	cfg    VendorConfig
	caps   Capabilities
	core   *httpCore
	logger *slog.Logger
}

// NewOpenAI builds the adapter for api.openai.com.
func NewOpenAI(cfg VendorConfig, logger *slog.Logger) Provider {
	cfg = cfg.withDefaults("openai", openAIBaseURL, []string{"gpt-*", "o1-*", "o3-*"})
	return newOpenAICompat(cfg, Capabilities{
		Streaming:        true,
		ToolCalling:      true,
		Multimodal:       true,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
		MaxConcurrent:    cfg.MaxConcurrent,
		CostClass:        CostPaid,
	}, logger)
}

func newOpenAICompat(cfg VendorConfig, caps Capabilities, logger *slog.Logger) *openAICompat {
	if logger == nil {
		logger = slog.Default()
	}
	return &openAICompat{
		cfg:    cfg,
		caps:   caps,
		core:   newHTTPCore(cfg.Timeout, logger),
		logger: logger.With("provider", cfg.ID),
	}
}

func (p *openAICompat) ID() string                 { return p.cfg.ID }
func (p *openAICompat) Version() string            { return p.cfg.Version }
func (p *openAICompat) Capabilities() Capabilities { return p.caps }

func (p *openAICompat) Initialize(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return inferr.Newf(inferr.KindValidation, "provider %q: api key not configured", p.cfg.ID)
	}
	return nil
}

func (p *openAICompat) Supports(modelID string, tenant models.TenantContext) bool {
	return matchesModel(p.cfg.Models, modelID)
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model         string            `json:"model"`
	Messages      []chatMessage     `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stop          []string          `json:"stop,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
	Tools         []json.RawMessage `json:"tools,omitempty"`
	ToolChoice    string            `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// chatResponse is the blocking chat-completions response body.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatStreamChunk is one SSE data payload in streaming mode.
type chatStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *openAICompat) buildRequest(req *models.InferenceRequest, stream bool) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		MaxTokens:   req.Parameters.MaxTokens,
		Stop:        req.Parameters.Stop,
		Tools:       req.Parameters.Tools,
		ToolChoice:  req.Parameters.ToolChoice,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func (p *openAICompat) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

func (p *openAICompat) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	started := time.Now()
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.cfg.BaseURL+"/chat/completions", p.headers(), p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	if err := p.core.checkStatus(p.cfg.ID, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode response: %w", err))
	}
	if len(body.Choices) == 0 {
		return nil, inferr.Upstream(p.cfg.ID, false, fmt.Errorf("response contained no choices"))
	}

	out := &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      req.Model,
		Content:    body.Choices[0].Message.Content,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if body.Usage != nil {
		out.TokensUsed = body.Usage.TotalTokens
	}
	out.SetMeta(models.MetaProviderID, p.cfg.ID)
	out.SetMeta(models.MetaProviderRequestID, body.ID)
	out.SetMeta(models.MetaFinishReason, string(mapOpenAIFinish(body.Choices[0].FinishReason)))
	return out, nil
}

func (p *openAICompat) InferStream(ctx context.Context, req *models.InferenceRequest) (StreamIterator, error) {
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.cfg.BaseURL+"/chat/completions", p.headers(), p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	if err := p.core.checkStatus(p.cfg.ID, resp); err != nil {
		return nil, err
	}

	stream := NewPushStream(DefaultStreamBuffer)
	go p.pumpStream(ctx, req.RequestID, resp.Body, stream)
	return &bodyStream{PushStream: stream, body: resp.Body}, nil
}

// pumpStream decodes SSE chunks into the push stream until the body ends.
func (p *openAICompat) pumpStream(ctx context.Context, requestID string, body io.ReadCloser, stream *PushStream) {
	defer body.Close()

	var tokensUsed int
	finish := models.FinishStop
	err := readSSE(ctx, body, func(ev sseEvent) error {
		data := string(ev.Data)
		if data == sseDone {
			return io.EOF
		}
		var chunk chatStreamChunk
		if uerr := json.Unmarshal(ev.Data, &chunk); uerr != nil {
			return inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode stream chunk: %w", uerr))
		}
		if chunk.Usage != nil {
			tokensUsed = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = mapOpenAIFinish(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			return nil
		}
		return stream.Send(ctx, models.StreamChunk{
			RequestID: requestID,
			Delta:     choice.Delta.Content,
		})
	})
	if err != nil && err != io.ErrClosedPipe {
		stream.Fail(inferr.From(err))
		return
	}

	final := models.StreamChunk{RequestID: requestID, IsFinal: true, Metadata: map[string]string{
		models.MetaFinishReason: string(finish),
		models.MetaProviderID:   p.cfg.ID,
	}}
	if tokensUsed > 0 {
		final.Metadata[models.MetaTokensUsed] = fmt.Sprintf("%d", tokensUsed)
	}
	_ = stream.Send(ctx, final)
	stream.Done()
}

func (p *openAICompat) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return Health{Status: Unhealthy, Details: map[string]string{"error": err.Error()}}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.core.client.Do(req)
	if err != nil {
		return Health{Status: Unhealthy, Details: map[string]string{"error": err.Error()}}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	switch {
	case resp.StatusCode < 300:
		return Health{Status: Healthy}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Health{Status: Degraded, Details: map[string]string{"status": resp.Status}}
	default:
		return Health{Status: Unhealthy, Details: map[string]string{"status": resp.Status}}
	}
}

func (p *openAICompat) Shutdown(ctx context.Context) error {
	p.core.client.CloseIdleConnections()
	return nil
}

// mapOpenAIFinish normalizes vendor finish reasons.
func mapOpenAIFinish(reason string) models.FinishReason {
	switch reason {
	case "stop", "":
		return models.FinishStop
	case "length":
		return models.FinishLength
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	default:
		return models.FinishError
	}
}

// bodyStream ties iterator close to the HTTP response body so an early
// consumer Close releases the producer goroutine.
type bodyStream struct {
	*PushStream
	body io.Closer
}

func (s *bodyStream) Close() error {
	_ = s.PushStream.Close()
	return s.body.Close()
}
