package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
)

// ScriptEntry defines a single scripted provider turn.
type ScriptEntry struct {
	// Response content (at most one of these is set)
	Text   string   // unary response content
	Chunks []string // streaming deltas; a final stop chunk is appended
	Err    error    // returned from the call

	// Test control
	BlockUntilCancelled bool            // block until ctx is cancelled, then return ctx.Err()
	OnBlock             chan<- struct{} // notified when the blocking path is entered
}

// ScriptedProvider implements providers.Provider with pre-scripted turns
// consumed in call order. It accepts every model, so routing decisions in
// tests come from telemetry and preference alone.
type ScriptedProvider struct {
	id     string
	health providers.Health

	mu       sync.Mutex
	entries  []ScriptEntry
	index    int
	captured []*models.InferenceRequest
}

// NewScriptedProvider creates a healthy scripted provider.
func NewScriptedProvider(id string) *ScriptedProvider {
	return &ScriptedProvider{
		id:     id,
		health: providers.Health{Status: providers.Healthy},
	}
}

// Add appends one turn to the script.
func (p *ScriptedProvider) Add(entry ScriptEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
}

// AddText appends a unary turn answering with content.
func (p *ScriptedProvider) AddText(content string) {
	p.Add(ScriptEntry{Text: content})
}

// AddError appends a turn that fails with err.
func (p *ScriptedProvider) AddError(err error) {
	p.Add(ScriptEntry{Err: err})
}

// CallCount returns how many turns were consumed.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captured)
}

// Captured returns the requests seen so far.
func (p *ScriptedProvider) Captured() []*models.InferenceRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.InferenceRequest, len(p.captured))
	copy(out, p.captured)
	return out
}

func (p *ScriptedProvider) ID() string      { return p.id }
func (p *ScriptedProvider) Version() string { return "1.0.0" }

func (p *ScriptedProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Streaming: true, ToolCalling: true}
}

func (p *ScriptedProvider) Initialize(context.Context) error           { return nil }
func (p *ScriptedProvider) Supports(string, models.TenantContext) bool { return true }
func (p *ScriptedProvider) Health(context.Context) providers.Health    { return p.health }
func (p *ScriptedProvider) Shutdown(context.Context) error             { return nil }

func (p *ScriptedProvider) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	entry, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      req.Model,
		Content:    entry.Text,
		TokensUsed: len(entry.Text),
	}, nil
}

func (p *ScriptedProvider) InferStream(ctx context.Context, req *models.InferenceRequest) (providers.StreamIterator, error) {
	entry, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	s := providers.NewPushStream(len(entry.Chunks) + 1)
	for _, d := range entry.Chunks {
		_ = s.Send(ctx, models.StreamChunk{RequestID: req.RequestID, Delta: d})
	}
	_ = s.Send(ctx, models.StreamChunk{
		RequestID: req.RequestID,
		IsFinal:   true,
		Metadata:  map[string]string{models.MetaFinishReason: string(models.FinishStop)},
	})
	s.Done()
	return s, nil
}

// next consumes the next script turn and records the request.
func (p *ScriptedProvider) next(req *models.InferenceRequest) (*ScriptEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, req)
	if p.index >= len(p.entries) {
		return nil, fmt.Errorf("scripted provider %s: no more entries (%d consumed)", p.id, p.index)
	}
	entry := &p.entries[p.index]
	p.index++
	return entry, nil
}
