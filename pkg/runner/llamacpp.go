package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// RunnerLlamaCpp is the registry id of the llama.cpp runner.
const RunnerLlamaCpp = "llamacpp"

// LlamaCppConfig configures the llama.cpp server runner. Each loaded model
// is a llama-server child process bound to a loopback port.
type LlamaCppConfig struct {
	// BinaryPath locates the llama-server executable.
	BinaryPath string `yaml:"binary_path"`
	// Host is the loopback address instances bind to.
	Host string `yaml:"host"`
	// ContextSize is passed as --ctx-size.
	ContextSize int `yaml:"context_size"`
	// GPULayers is passed as --n-gpu-layers for GPU devices.
	GPULayers int `yaml:"gpu_layers"`
	// Threads is passed as --threads; zero lets the server decide.
	Threads int `yaml:"threads"`
	// ExtraArgs are appended verbatim to the server command line.
	ExtraArgs []string `yaml:"extra_args"`
	// StartupTimeout bounds how long a model load may take.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

func (c LlamaCppConfig) withDefaults() LlamaCppConfig {
	if c.BinaryPath == "" {
		c.BinaryPath = "llama-server"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ContextSize <= 0 {
		c.ContextSize = 4096
	}
	if c.GPULayers <= 0 {
		c.GPULayers = 999
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 2 * time.Minute
	}
	return c
}

// LlamaCpp loads GGUF artifacts by launching llama-server child processes.
type LlamaCpp struct {
	cfg    LlamaCppConfig
	client *http.Client
	logger *slog.Logger
}

// NewLlamaCpp creates the runner. Load spawns one process per instance, so
// the runner itself holds no long-lived resources.
func NewLlamaCpp(cfg LlamaCppConfig, logger *slog.Logger) *LlamaCpp {
	if logger == nil {
		logger = slog.Default()
	}
	return &LlamaCpp{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		logger: logger.With("runner", RunnerLlamaCpp),
	}
}

func (r *LlamaCpp) ID() string { return RunnerLlamaCpp }

func (r *LlamaCpp) SupportedFormats() []models.ModelFormat {
	return []models.ModelFormat{models.FormatGGUF}
}

func (r *LlamaCpp) SupportedDevices() []models.DeviceType {
	return []models.DeviceType{models.DeviceCPU, models.DeviceCUDA, models.DeviceMetal, models.DeviceROCm}
}

// Load resolves the GGUF artifact, starts llama-server, and waits until the
// instance reports ready.
func (r *LlamaCpp) Load(ctx context.Context, manifest *models.ModelManifest, device models.DeviceType) (ModelHandle, error) {
	loc, ok := manifest.Artifacts[models.FormatGGUF]
	if !ok {
		return nil, inferr.Newf(inferr.KindValidation, "model %q has no GGUF artifact", manifest.ModelID)
	}
	path, err := ResolveArtifact(loc)
	if err != nil {
		return nil, err
	}

	port, err := freePort(r.cfg.Host)
	if err != nil {
		return nil, inferr.Internal("allocate port", err)
	}

	args := []string{
		"--model", path,
		"--host", r.cfg.Host,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(r.cfg.ContextSize),
	}
	if device == models.DeviceCPU {
		args = append(args, "--n-gpu-layers", "0")
	} else {
		args = append(args, "--n-gpu-layers", strconv.Itoa(r.cfg.GPULayers))
	}
	if r.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(r.cfg.Threads))
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.Command(r.cfg.BinaryPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, inferr.Internal("pipe stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, inferr.Wrap(inferr.KindInternal, fmt.Sprintf("start %s", r.cfg.BinaryPath), err)
	}

	h := &llamaHandle{
		id:      uuid.NewString(),
		modelID: manifest.ModelID,
		device:  device,
		baseURL: fmt.Sprintf("http://%s:%d", r.cfg.Host, port),
		cmd:     cmd,
		client:  r.client,
		exited:  make(chan struct{}),
		logger: r.logger.With(
			"model_id", manifest.ModelID,
			"device", string(device),
			"port", port),
	}
	go h.drainStderr(stderr)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	if err := h.awaitReady(ctx, r.cfg.StartupTimeout); err != nil {
		_ = h.Close(context.Background(), true)
		return nil, err
	}
	h.logger.Info("model instance ready", "instance_id", h.id)
	return h, nil
}

func (r *LlamaCpp) Shutdown(ctx context.Context) error {
	r.client.CloseIdleConnections()
	return nil
}

// freePort reserves an ephemeral port and releases it for the child to bind.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// llamaHandle is one llama-server child process.
type llamaHandle struct {
	id      string
	modelID string
	device  models.DeviceType
	baseURL string
	cmd     *exec.Cmd
	client  *http.Client
	logger  *slog.Logger

	exited  chan struct{}
	waitErr error

	stderrMu   sync.Mutex
	stderrTail []string
}

func (h *llamaHandle) ID() string                { return h.id }
func (h *llamaHandle) ModelID() string           { return h.modelID }
func (h *llamaHandle) Device() models.DeviceType { return h.device }

// drainStderr forwards server logs and keeps a short tail for diagnostics.
func (h *llamaHandle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.stderrMu.Lock()
		h.stderrTail = append(h.stderrTail, line)
		if len(h.stderrTail) > 40 {
			h.stderrTail = h.stderrTail[1:]
		}
		h.stderrMu.Unlock()
		h.logger.Debug("llama-server", "line", line)
	}
}

func (h *llamaHandle) tail() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return strings.Join(h.stderrTail, "\n")
}

// awaitReady polls /health until the server finishes loading the model.
func (h *llamaHandle) awaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return inferr.From(ctx.Err())
		case <-h.exited:
			return inferr.Newf(inferr.KindInternal, "llama-server exited during startup: %v\n%s", h.waitErr, h.tail())
		case <-deadline.C:
			return inferr.Timeout(fmt.Sprintf("model %q not ready after %s", h.modelID, timeout), nil)
		case <-tick.C:
			if h.Healthy(ctx) {
				return nil
			}
		}
	}
}

func (h *llamaHandle) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// completionRequest is the native llama-server /completion body.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

// completionResponse covers blocking responses and stream chunks.
type completionResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

func (h *llamaHandle) buildRequest(req *models.InferenceRequest, stream bool) completionRequest {
	out := completionRequest{
		Prompt:      renderPrompt(req.Messages),
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		TopK:        req.Parameters.TopK,
		Stop:        append([]string{"\nUser:"}, req.Parameters.Stop...),
		Stream:      stream,
		CachePrompt: true,
	}
	if req.Parameters.MaxTokens != nil {
		out.NPredict = *req.Parameters.MaxTokens
	}
	return out
}

// renderPrompt flattens the chat transcript into the plain-text form the
// native completion endpoint expects.
func renderPrompt(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case models.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}

func (h *llamaHandle) post(ctx context.Context, body completionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, inferr.Internal("marshal completion request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, inferr.Internal("build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, inferr.From(ctx.Err())
		}
		return nil, inferr.Upstream(RunnerLlamaCpp, true, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusServiceUnavailable
		return nil, inferr.Upstream(RunnerLlamaCpp, retryable,
			fmt.Errorf("completion failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func (h *llamaHandle) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	started := time.Now()
	resp, err := h.post(ctx, h.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, inferr.Upstream(RunnerLlamaCpp, true, fmt.Errorf("decode completion: %w", err))
	}

	out := &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      req.Model,
		Content:    strings.TrimSpace(body.Content),
		TokensUsed: body.TokensEvaluated + body.TokensPredicted,
		DurationMs: time.Since(started).Milliseconds(),
	}
	out.SetMeta(models.MetaFinishReason, string(llamaFinish(body)))
	return out, nil
}

func (h *llamaHandle) InferStream(ctx context.Context, req *models.InferenceRequest, sink ChunkSink) error {
	resp, err := h.post(ctx, h.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return inferr.From(err)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return inferr.Upstream(RunnerLlamaCpp, true, fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Stop {
			final := models.StreamChunk{
				RequestID: req.RequestID,
				IsFinal:   true,
				Metadata: map[string]string{
					models.MetaFinishReason: string(llamaFinish(chunk)),
				},
			}
			if total := chunk.TokensEvaluated + chunk.TokensPredicted; total > 0 {
				final.Metadata[models.MetaTokensUsed] = strconv.Itoa(total)
			}
			return sink(final)
		}
		if chunk.Content == "" {
			continue
		}
		if err := sink(models.StreamChunk{RequestID: req.RequestID, Delta: chunk.Content}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return inferr.Upstream(RunnerLlamaCpp, true, fmt.Errorf("read stream: %w", err))
	}
	return sink(models.StreamChunk{
		RequestID: req.RequestID,
		IsFinal:   true,
		Metadata:  map[string]string{models.MetaFinishReason: string(models.FinishStop)},
	})
}

// Close stops the child process: interrupt first, kill after gracePeriod or
// immediately when discard is set.
func (h *llamaHandle) Close(ctx context.Context, discard bool) error {
	const gracePeriod = 5 * time.Second

	select {
	case <-h.exited:
		return nil
	default:
	}

	if discard {
		_ = h.cmd.Process.Kill()
		<-h.exited
		return nil
	}

	_ = h.cmd.Process.Signal(os.Interrupt)
	select {
	case <-h.exited:
		return nil
	case <-time.After(gracePeriod):
	case <-ctx.Done():
	}
	_ = h.cmd.Process.Kill()
	<-h.exited
	return nil
}

func llamaFinish(c completionResponse) models.FinishReason {
	if c.StoppedLimit {
		return models.FinishLength
	}
	return models.FinishStop
}
