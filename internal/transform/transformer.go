// Package transform defines the Transformer contract selected per upstream provider by the
// Pipeline Orchestrator. The concrete Gemini and OpenAI-compatible implementations live in
// its gemini and openai subpackages.
package transform

import (
	"context"
	"net/http"

	"github.com/relaymux/llmrelay/internal/unified"
)

// Transformer is the polymorphic contract the orchestrator drives for every provider. The
// "In"/"Out" suffixes do not name one direction: TransformRequestOut parses the caller body
// while TransformRequestIn builds the upstream body; each method's comment says what it
// consumes and produces.
type Transformer interface {
	// Name identifies the transformer for logs and routing ("gemini", "openai").
	Name() string

	// EndPoint builds the upstream URL for one request, given the configured base URL, the
	// resolved model, and whether this is a streaming call.
	EndPoint(baseURL, model string, stream bool) string

	// Auth returns the header set to merge onto the outgoing request (e.g. x-goog-api-key,
	// or Authorization: Bearer ...). A nil value for a header key means the header must be
	// explicitly absent even if something upstream of this call set it.
	Auth(apiKey string) map[string]*string

	// TransformRequestOut consumes the incoming caller-facing body (Anthropic-shaped) and
	// produces the canonical UnifiedChatRequest.
	TransformRequestOut(callerBody []byte) (*unified.ChatRequest, error)

	// TransformRequestIn consumes a UnifiedChatRequest and produces the upstream wire body.
	TransformRequestIn(req *unified.ChatRequest) ([]byte, error)

	// TransformResponseOut translates an upstream unary response body into the caller-facing
	// (OpenAI chat-completions shaped) response body.
	TransformResponseOut(ctx context.Context, model string, upstream *http.Response) ([]byte, error)

	// TransformResponseIn streams-translates an upstream SSE response into the caller-facing
	// SSE stream, writing framed "data: ...\n\n" chunks to w as they become available.
	TransformResponseIn(ctx context.Context, model string, upstream *http.Response, w ResponseWriter) error
}

// ResponseWriter is the minimal streaming sink a TransformResponseIn writes SSE frames to.
// http.ResponseWriter (with http.Flusher) satisfies it; tests can use a simpler fake.
type ResponseWriter interface {
	Write([]byte) (int, error)
	Flush()
}

type suggestionModeKey struct{}

// WithSuggestionMode marks ctx as carrying a request whose body contained the
// "[SUGGESTION MODE:" literal, delaying the final flush by 3s.
func WithSuggestionMode(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, suggestionModeKey{}, on)
}

// SuggestionMode reports whether ctx was marked by WithSuggestionMode.
func SuggestionMode(ctx context.Context) bool {
	on, _ := ctx.Value(suggestionModeKey{}).(bool)
	return on
}
