package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
)

func validRequest() *InferenceRequest {
	return &InferenceRequest{
		RequestID: "req-1",
		Model:     "gpt-4",
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
	}
}

func TestRequestValidateOK(t *testing.T) {
	assert.NoError(t, validRequest().Validate())
}

func TestRequestValidateFailures(t *testing.T) {
	temp := 3.5
	topP := 0.0
	maxTokens := -1

	tests := []struct {
		name    string
		mutate  func(*InferenceRequest)
		message string
	}{
		{"missing model", func(r *InferenceRequest) { r.Model = " " }, "model is required"},
		{"empty messages", func(r *InferenceRequest) { r.Messages = nil }, "messages must not be empty"},
		{"bad role", func(r *InferenceRequest) { r.Messages[0].Role = "robot" }, "invalid role"},
		{"empty content", func(r *InferenceRequest) { r.Messages[0].Content = "" }, "empty content"},
		{"negative timeout", func(r *InferenceRequest) { r.Timeout = -time.Second }, "timeout"},
		{"temperature range", func(r *InferenceRequest) { r.Parameters.Temperature = &temp }, "temperature"},
		{"top_p range", func(r *InferenceRequest) { r.Parameters.TopP = &topP }, "top_p"},
		{"max_tokens", func(r *InferenceRequest) { r.Parameters.MaxTokens = &maxTokens }, "max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.Equal(t, inferr.KindValidation, inferr.KindOf(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRequestValidateReportsAllProblems(t *testing.T) {
	req := &InferenceRequest{}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
	assert.Contains(t, err.Error(), "messages must not be empty")
}

func TestAssistantMessageMayBeEmpty(t *testing.T) {
	req := validRequest()
	req.Messages = append(req.Messages, Message{Role: RoleAssistant, Content: ""})
	assert.NoError(t, req.Validate())
}

func TestRequestMeta(t *testing.T) {
	req := validRequest()
	assert.Empty(t, req.Meta(MetaMaxRetries))

	req.Metadata = map[string]string{MetaMaxRetries: "2"}
	assert.Equal(t, "2", req.Meta(MetaMaxRetries))
}
