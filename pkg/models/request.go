// Package models defines the provider-neutral domain types that flow through
// the gateway: inference requests and responses, stream chunks, tenant
// context, and model manifests.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem carries instructions that frame the conversation
	RoleSystem Role = "system"
	// RoleUser carries end-user input
	RoleUser Role = "user"
	// RoleAssistant carries model output
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool invocation result
	RoleTool Role = "tool"
)

// IsValid checks if the role is one of the defined values.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message is one entry in the ordered chat transcript.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Parameters carries generation controls. Pointer fields distinguish "unset"
// from zero so adapters only forward what the caller specified. Tools are
// kept as raw JSON and passed through to the provider untouched.
type Parameters struct {
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	TopK        *int              `json:"top_k,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"`
}

// RequiresTools reports whether the request declares tool definitions.
func (p Parameters) RequiresTools() bool {
	return len(p.Tools) > 0
}

// Metadata keys recognized on inference requests.
const (
	// MetaMaxRetries overrides the engine's default retry budget, clamped to [1,5]
	MetaMaxRetries = "max.retries"
	// MetaCostSensitive opts the request into cost-biased routing
	MetaCostSensitive = "cost.sensitive"
)

// InferenceRequest is one chat-style inference call. Immutable after
// construction; the engine never writes to it.
type InferenceRequest struct {
	RequestID         string            `json:"request_id"`
	Model             string            `json:"model"`
	Messages          []Message         `json:"messages"`
	Parameters        Parameters        `json:"parameters"`
	Streaming         bool              `json:"streaming"`
	Priority          int               `json:"priority"`
	Timeout           time.Duration     `json:"-"`
	PreferredProvider string            `json:"preferred_provider,omitempty"`
	DeviceHint        DeviceType        `json:"device_hint,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request shape. It reports every violation at once so a
// caller fixing a rejected request sees the full list.
func (r *InferenceRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Model) == "" {
		problems = append(problems, "model is required")
	}
	if len(r.Messages) == 0 {
		problems = append(problems, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if !m.Role.IsValid() {
			problems = append(problems, fmt.Sprintf("messages[%d] has invalid role %q", i, m.Role))
		}
		if m.Content == "" && m.Role != RoleAssistant {
			problems = append(problems, fmt.Sprintf("messages[%d] has empty content", i))
		}
	}
	if r.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if p := r.Parameters.Temperature; p != nil && (*p < 0 || *p > 2) {
		problems = append(problems, "temperature must be within [0, 2]")
	}
	if p := r.Parameters.TopP; p != nil && (*p <= 0 || *p > 1) {
		problems = append(problems, "top_p must be within (0, 1]")
	}
	if p := r.Parameters.MaxTokens; p != nil && *p <= 0 {
		problems = append(problems, "max_tokens must be positive")
	}
	if len(problems) > 0 {
		return inferr.Validation(strings.Join(problems, "; "))
	}
	return nil
}

// Meta returns the metadata value for key, or "" when absent.
func (r *InferenceRequest) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}
