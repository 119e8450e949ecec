package engine

import (
	"strings"

	"github.com/modelgrid/inferd/pkg/models"
)

// Token estimation modes.
const (
	// TokenEstimationProvider trusts the provider-reported count when present
	TokenEstimationProvider = "provider"
	// TokenEstimationHeuristic always estimates client-side
	TokenEstimationHeuristic = "heuristic"
)

// TokenCounter derives the token consumption of one call. Providers that
// report usage win in provider mode; the whitespace heuristic covers the
// rest.
type TokenCounter struct {
	mode string
}

// NewTokenCounter builds a counter for the given mode; unknown modes fall
// back to provider.
func NewTokenCounter(mode string) *TokenCounter {
	if mode != TokenEstimationHeuristic {
		mode = TokenEstimationProvider
	}
	return &TokenCounter{mode: mode}
}

// Count returns the token usage for one completed blocking call.
func (tc *TokenCounter) Count(resp *models.InferenceResponse, req *models.InferenceRequest) int {
	if tc.mode == TokenEstimationProvider && resp != nil && resp.TokensUsed > 0 {
		return resp.TokensUsed
	}
	n := promptTokens(req)
	if resp != nil {
		n += EstimateTokens(resp.Content)
	}
	return n
}

// CountStream returns the usage for one settled stream given the
// concatenated deltas and the count reported on the final chunk, if any.
func (tc *TokenCounter) CountStream(req *models.InferenceRequest, text string, reported int) int {
	if tc.mode == TokenEstimationProvider && reported > 0 {
		return reported
	}
	return promptTokens(req) + EstimateTokens(text)
}

func promptTokens(req *models.InferenceRequest) int {
	if req == nil {
		return 0
	}
	n := 0
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
	}
	return n
}

// EstimateTokens approximates the token count of text: whitespace words with
// a 4/3 correction for subword pieces.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}
