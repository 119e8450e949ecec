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

// Anthropic API constants.
const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicProvider implements Provider against the Anthropic Messages API.
// System prompts travel in a dedicated top-level field and streaming uses
// typed SSE events instead of the [DONE] sentinel.
type anthropicProvider struct {
	cfg    VendorConfig
	core   *httpCore
	logger *slog.Logger
}

// NewAnthropic builds the adapter for api.anthropic.com.
func NewAnthropic(cfg VendorConfig, logger *slog.Logger) Provider {
	cfg = cfg.withDefaults("anthropic", anthropicBaseURL, []string{"claude-*"})
	if logger == nil {
		logger = slog.Default()
	}
	return &anthropicProvider{
		cfg:    cfg,
		core:   newHTTPCore(cfg.Timeout, logger),
		logger: logger.With("provider", cfg.ID),
	}
}

func (p *anthropicProvider) ID() string      { return p.cfg.ID }
func (p *anthropicProvider) Version() string { return p.cfg.Version }

func (p *anthropicProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		ToolCalling:      true,
		Multimodal:       true,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
		MaxConcurrent:    p.cfg.MaxConcurrent,
		CostClass:        CostPaid,
	}
}

func (p *anthropicProvider) Initialize(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return inferr.Newf(inferr.KindValidation, "provider %q: api key not configured", p.cfg.ID)
	}
	return nil
}

func (p *anthropicProvider) Supports(modelID string, tenant models.TenantContext) bool {
	return matchesModel(p.cfg.Models, modelID)
}

// messagesRequest is the Messages API request body.
type messagesRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []json.RawMessage  `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the blocking Messages API response body.
type messagesResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent covers the streaming event payloads the adapter
// consumes; other event types are skipped.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// defaultMaxTokens applies when the request leaves max tokens unset; the
// Messages API requires the field.
const anthropicDefaultMaxTokens = 4096

func (p *anthropicProvider) buildRequest(req *models.InferenceRequest, stream bool) messagesRequest {
	out := messagesRequest{
		Model:       req.Model,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		TopK:        req.Parameters.TopK,
		Stop:        req.Parameters.Stop,
		Tools:       req.Parameters.Tools,
		Stream:      stream,
	}
	if req.Parameters.MaxTokens != nil {
		out.MaxTokens = *req.Parameters.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += m.Content
			continue
		}
		role := string(m.Role)
		if m.Role == models.RoleTool {
			role = string(models.RoleUser)
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	return out
}

func (p *anthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func (p *anthropicProvider) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	started := time.Now()
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.cfg.BaseURL+"/messages", p.headers(), p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	if err := p.core.checkStatus(p.cfg.ID, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode response: %w", err))
	}

	var content string
	for _, block := range body.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	out := &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      req.Model,
		Content:    content,
		TokensUsed: body.Usage.InputTokens + body.Usage.OutputTokens,
		DurationMs: time.Since(started).Milliseconds(),
	}
	out.SetMeta(models.MetaProviderID, p.cfg.ID)
	out.SetMeta(models.MetaProviderRequestID, body.ID)
	out.SetMeta(models.MetaFinishReason, string(mapAnthropicStop(body.StopReason)))
	return out, nil
}

func (p *anthropicProvider) InferStream(ctx context.Context, req *models.InferenceRequest) (StreamIterator, error) {
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.cfg.BaseURL+"/messages", p.headers(), p.buildRequest(req, true))
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

func (p *anthropicProvider) pumpStream(ctx context.Context, requestID string, body io.ReadCloser, stream *PushStream) {
	defer body.Close()

	var outputTokens int
	finish := models.FinishStop
	err := readSSE(ctx, body, func(ev sseEvent) error {
		var event anthropicStreamEvent
		if uerr := json.Unmarshal(ev.Data, &event); uerr != nil {
			return inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode stream event: %w", uerr))
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text == "" {
				return nil
			}
			return stream.Send(ctx, models.StreamChunk{RequestID: requestID, Delta: event.Delta.Text})
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				outputTokens = event.Usage.OutputTokens
			}
			if event.Delta.StopReason != "" {
				finish = mapAnthropicStop(event.Delta.StopReason)
			}
			return nil
		case "message_stop":
			return io.EOF
		case "error":
			return inferr.Upstream(p.cfg.ID, true, fmt.Errorf("stream error %s: %s", event.Error.Type, event.Error.Message))
		default:
			return nil
		}
	})
	if err != nil && err != io.ErrClosedPipe {
		stream.Fail(inferr.From(err))
		return
	}

	final := models.StreamChunk{RequestID: requestID, IsFinal: true, Metadata: map[string]string{
		models.MetaFinishReason: string(finish),
		models.MetaProviderID:   p.cfg.ID,
	}}
	if outputTokens > 0 {
		final.Metadata[models.MetaTokensUsed] = fmt.Sprintf("%d", outputTokens)
	}
	_ = stream.Send(ctx, final)
	stream.Done()
}

func (p *anthropicProvider) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return Health{Status: Unhealthy, Details: map[string]string{"error": err.Error()}}
	}
	for k, v := range p.headers() {
		req.Header.Set(k, v)
	}
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

func (p *anthropicProvider) Shutdown(ctx context.Context) error {
	p.core.client.CloseIdleConnections()
	return nil
}

// mapAnthropicStop normalizes Messages API stop reasons.
func mapAnthropicStop(reason string) models.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	default:
		return models.FinishError
	}
}
