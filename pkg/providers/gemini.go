package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiProvider implements Provider against the Gemini GenerateContent API.
// The model id is part of the URL path and the assistant role is spelled
// "model" on the wire.
type geminiProvider struct {
	cfg    VendorConfig
	core   *httpCore
	logger *slog.Logger
}

// NewGemini builds the adapter for generativelanguage.googleapis.com.
func NewGemini(cfg VendorConfig, logger *slog.Logger) Provider {
	cfg = cfg.withDefaults("gemini", geminiBaseURL, []string{"gemini-*"})
	if logger == nil {
		logger = slog.Default()
	}
	return &geminiProvider{
		cfg:    cfg,
		core:   newHTTPCore(cfg.Timeout, logger),
		logger: logger.With("provider", cfg.ID),
	}
}

func (p *geminiProvider) ID() string      { return p.cfg.ID }
func (p *geminiProvider) Version() string { return p.cfg.Version }

func (p *geminiProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		ToolCalling:      true,
		Multimodal:       true,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
		MaxConcurrent:    p.cfg.MaxConcurrent,
		CostClass:        CostPaid,
	}
}

func (p *geminiProvider) Initialize(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return inferr.Newf(inferr.KindValidation, "provider %q: api key not configured", p.cfg.ID)
	}
	return nil
}

func (p *geminiProvider) Supports(modelID string, tenant models.TenantContext) bool {
	return matchesModel(p.cfg.Models, modelID)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *geminiProvider) buildRequest(req *models.InferenceRequest) geminiRequest {
	out := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Parameters.Temperature,
			TopP:            req.Parameters.TopP,
			TopK:            req.Parameters.TopK,
			MaxOutputTokens: req.Parameters.MaxTokens,
			StopSequences:   req.Parameters.Stop,
		},
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case models.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

func (p *geminiProvider) endpoint(model, verb, query string) string {
	u := fmt.Sprintf("%s/models/%s:%s", p.cfg.BaseURL, url.PathEscape(model), verb)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (p *geminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.cfg.APIKey}
}

func candidateText(c geminiContent) string {
	var text string
	for _, part := range c.Parts {
		text += part.Text
	}
	return text
}

func (p *geminiProvider) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	started := time.Now()
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.endpoint(req.Model, "generateContent", ""), p.headers(), p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	if err := p.core.checkStatus(p.cfg.ID, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode response: %w", err))
	}
	if len(body.Candidates) == 0 {
		return nil, inferr.Upstream(p.cfg.ID, false, fmt.Errorf("response contained no candidates"))
	}

	out := &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      req.Model,
		Content:    candidateText(body.Candidates[0].Content),
		TokensUsed: body.UsageMetadata.TotalTokenCount,
		DurationMs: time.Since(started).Milliseconds(),
	}
	out.SetMeta(models.MetaProviderID, p.cfg.ID)
	out.SetMeta(models.MetaFinishReason, string(mapGeminiFinish(body.Candidates[0].FinishReason)))
	return out, nil
}

func (p *geminiProvider) InferStream(ctx context.Context, req *models.InferenceRequest) (StreamIterator, error) {
	resp, err := p.core.postJSON(ctx, p.cfg.ID, p.endpoint(req.Model, "streamGenerateContent", "alt=sse"), p.headers(), p.buildRequest(req))
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

func (p *geminiProvider) pumpStream(ctx context.Context, requestID string, body io.ReadCloser, stream *PushStream) {
	defer body.Close()

	var tokensUsed int
	finish := models.FinishStop
	err := readSSE(ctx, body, func(ev sseEvent) error {
		var chunk geminiResponse
		if uerr := json.Unmarshal(ev.Data, &chunk); uerr != nil {
			return inferr.Upstream(p.cfg.ID, true, fmt.Errorf("decode stream chunk: %w", uerr))
		}
		if chunk.UsageMetadata.TotalTokenCount > 0 {
			tokensUsed = chunk.UsageMetadata.TotalTokenCount
		}
		if len(chunk.Candidates) == 0 {
			return nil
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			finish = mapGeminiFinish(candidate.FinishReason)
		}
		text := candidateText(candidate.Content)
		if text == "" {
			return nil
		}
		return stream.Send(ctx, models.StreamChunk{RequestID: requestID, Delta: text})
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

func (p *geminiProvider) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return Health{Status: Unhealthy, Details: map[string]string{"error": err.Error()}}
	}
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
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

func (p *geminiProvider) Shutdown(ctx context.Context) error {
	p.core.client.CloseIdleConnections()
	return nil
}

// mapGeminiFinish normalizes GenerateContent finish reasons.
func mapGeminiFinish(reason string) models.FinishReason {
	switch reason {
	case "STOP", "":
		return models.FinishStop
	case "MAX_TOKENS":
		return models.FinishLength
	default:
		return models.FinishError
	}
}
