package gemini

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

// Transformer implements transform.Transformer against Gemini's generateContent wire
// protocol.
type Transformer struct{}

// New returns a Gemini Transformer.
func New() *Transformer { return &Transformer{} }

func (t *Transformer) Name() string { return "gemini" }

func (t *Transformer) EndPoint(baseURL, model string, stream bool) string {
	base := strings.TrimSuffix(baseURL, "/")
	if stream {
		return fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", base, model)
	}
	return fmt.Sprintf("%s/%s:generateContent", base, model)
}

func (t *Transformer) Auth(apiKey string) map[string]*string {
	return map[string]*string{
		"x-goog-api-key": &apiKey,
		"Authorization":  nil,
	}
}

func (t *Transformer) TransformRequestOut(callerBody []byte) (*unified.ChatRequest, error) {
	return callerproto.FromAnthropic(callerBody)
}

func (t *Transformer) TransformRequestIn(req *unified.ChatRequest) ([]byte, error) {
	return buildGeminiBody(req)
}

func (t *Transformer) TransformResponseOut(ctx context.Context, model string, upstream *http.Response) ([]byte, error) {
	defer upstream.Body.Close()
	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: reading upstream response: %w", err)
	}

	out, err := translateUnary(model, body)
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
	return translateStream(ctx, model, upstream.Body, w, transform.SuggestionMode(ctx))
}
