package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymux/llmrelay/internal/transform"
	"github.com/relaymux/llmrelay/internal/transform/callerproto"
	"github.com/relaymux/llmrelay/internal/unified"
)

// Transformer implements transform.Transformer against OpenAI-compatible
// /v1/chat/completions endpoints.
type Transformer struct{}

// New returns an OpenAI-compatible Transformer.
func New() *Transformer { return &Transformer{} }

func (t *Transformer) Name() string { return "openai" }

func (t *Transformer) EndPoint(baseURL, model string, stream bool) string {
	return strings.TrimSuffix(baseURL, "/") + "/v1/chat/completions"
}

func (t *Transformer) Auth(apiKey string) map[string]*string {
	bearer := "Bearer " + apiKey
	return map[string]*string{"Authorization": &bearer}
}

func (t *Transformer) TransformRequestOut(callerBody []byte) (*unified.ChatRequest, error) {
	return callerproto.FromAnthropic(callerBody)
}

func (t *Transformer) TransformRequestIn(req *unified.ChatRequest) ([]byte, error) {
	return buildOpenAIBody(req)
}

func (t *Transformer) TransformResponseOut(ctx context.Context, model string, upstream *http.Response) ([]byte, error) {
	defer upstream.Body.Close()
	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: reading upstream response: %w", err)
	}
	out, err := translateUnary(body)
	if err != nil {
		return nil, err
	}
	if transform.SuggestionMode(ctx) {
		time.Sleep(3000 * time.Millisecond)
	}
	return out, nil
}

func (t *Transformer) TransformResponseIn(ctx context.Context, model string, upstream *http.Response, w transform.ResponseWriter) error {
	defer upstream.Body.Close()
	return translateStream(ctx, upstream.Body, w, transform.SuggestionMode(ctx))
}
