package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/relaymux/llmrelay/internal/config"
	"github.com/relaymux/llmrelay/internal/httpengine"
	"github.com/relaymux/llmrelay/internal/keychain"
	"github.com/relaymux/llmrelay/internal/providers"
	"github.com/relaymux/llmrelay/internal/transform"
)

// longContextThreshold is the input-token count above which RouterConfig.LongContext is
// preferred over every other routing rule.
const longContextThreshold = 60000

const subagentMarkerOpen = "<CCR-SUBAGENT-MODEL>"
const subagentMarkerClose = "</CCR-SUBAGENT-MODEL>"
const suggestionModeMarker = "[SUGGESTION MODE:"

// CustomRouterFunc is the injected collaborator standing in for a configured external router
// hook. RouterConfig.CustomRouterPath names a file on disk, but this router never executes it
// in-process (out of scope per spec.md §1); a caller that wants the hook honored supplies this
// function, which receives the raw caller body and the active config and returns a
// "provider,model" string plus whether it wants to override the default routing rules.
type CustomRouterFunc func(callerBody []byte, cfg *config.Config) (providerModel string, ok bool)

// ProxyHandler is the Pipeline Orchestrator: for each caller request it resolves a provider and
// model, builds the upstream call through the resolved Transformer and the HTTP Request Engine,
// and relays the translated response back to the caller.
type ProxyHandler struct {
	config       *config.Manager
	registry     *providers.Registry
	customRouter CustomRouterFunc
	logger       *slog.Logger
}

// NewProxyHandler constructs a ProxyHandler. customRouter may be nil, meaning no custom-router
// hook is configured regardless of RouterConfig.CustomRouterPath.
func NewProxyHandler(cfg *config.Manager, registry *providers.Registry, customRouter CustomRouterFunc, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{config: cfg, registry: registry, customRouter: customRouter, logger: logger}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()
	logger := h.logger.With("request_id", uuid.NewString())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	ctx := transform.WithSuggestionMode(r.Context(), bytes.Contains(body, []byte(suggestionModeMarker)))

	body, providerModel := h.stripSubagentMarker(body)
	inputTokens := h.countInputTokens(body)
	providerModel = h.selectRoute(body, providerModel, inputTokens, cfg)

	providerName, modelName := splitProviderModel(providerModel)
	providerCfg, ok := findProviderConfig(cfg.Providers, providerName)
	if !ok {
		h.httpError(w, http.StatusBadRequest, "provider %q not found in configuration", providerName)
		return
	}

	tr, err := h.registry.Resolve(providerCfg)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "resolving transformer: %v", err)
		return
	}

	apiKey := providerCfg.APIKey
	if tr.Name() == "gemini" {
		apiKey = keychain.Lookup(providerCfg.APIKey)
	}
	if apiKey == "" {
		h.httpError(w, http.StatusInternalServerError,
			"no API key configured for provider %q: set GEMINI_API_KEY, add it to the macOS keychain "+
				"(security add-generic-password -s llmrelay -a gemini-api-key -w <key>), or set api_key in config.json", providerName)
		return
	}

	unifiedReq, err := tr.TransformRequestOut(body)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "transforming caller request: %v", err)
		return
	}
	unifiedReq.Model = modelName

	wireBody, err := tr.TransformRequestIn(unifiedReq)
	if err != nil {
		h.httpError(w, http.StatusInternalServerError, "building upstream request: %v", err)
		return
	}

	endpoint := tr.EndPoint(providerCfg.APIBase, modelName, unifiedReq.Stream)
	headers := tr.Auth(apiKey)

	logger.Info("proxying request",
		"provider", providerName, "kind", tr.Name(), "model", modelName,
		"stream", unifiedReq.Stream, "input_tokens", inputTokens)

	resp, err := httpengine.Send(ctx, httpengine.Request{
		URL:    endpoint,
		Body:   wireBody,
		Stream: unifiedReq.Stream,
		Config: httpengine.Config{Headers: headers, HTTPSProxy: cfg.HTTPSProxy},
	})
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "upstream request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	resp.Body = decompressBrotli(resp.Header, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.passThroughUnchanged(w, resp)
		return
	}

	upstream := &http.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}

	if unifiedReq.Stream {
		h.serveStream(ctx, w, modelName, tr, upstream)
		return
	}
	h.serveUnary(ctx, w, modelName, tr, upstream)
}

func (h *ProxyHandler) serveUnary(ctx context.Context, w http.ResponseWriter, model string, tr transform.Transformer, upstream *http.Response) {
	out, err := tr.TransformResponseOut(ctx, model, upstream)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "translating upstream response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *ProxyHandler) serveStream(ctx context.Context, w http.ResponseWriter, model string, tr transform.Transformer, upstream *http.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing; streaming cannot proceed")
		return
	}

	if err := tr.TransformResponseIn(ctx, model, upstream, flushWriter{w: w, f: flusher}); err != nil {
		h.logger.Error("streaming translation failed", "err", err)
	}
}

// flushWriter adapts http.ResponseWriter+http.Flusher to transform.ResponseWriter.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw flushWriter) Flush()                      { fw.f.Flush() }

func (h *ProxyHandler) passThroughUnchanged(w http.ResponseWriter, resp *httpengine.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "reading upstream error response: %v", err)
		return
	}
	h.logger.Warn("upstream returned non-2xx, passing through unchanged", "status", resp.StatusCode)
	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (h *ProxyHandler) stripSubagentMarker(body []byte) ([]byte, string) {
	var peek struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || len(peek.Messages) == 0 {
		return body, ""
	}

	text, ok := firstMessageText(peek.Messages[0])
	if !ok || !strings.HasPrefix(strings.TrimSpace(text), subagentMarkerOpen) {
		return body, ""
	}

	trimmed := strings.TrimSpace(text)
	end := strings.Index(trimmed, subagentMarkerClose)
	if end < 0 {
		return body, ""
	}
	providerModel := strings.TrimSpace(trimmed[len(subagentMarkerOpen):end])
	rest := strings.TrimSpace(trimmed[end+len(subagentMarkerClose):])

	newBody, err := replaceFirstMessageText(body, rest)
	if err != nil {
		return body, providerModel
	}
	return newBody, providerModel
}

func firstMessageText(raw json.RawMessage) (string, bool) {
	var withContent struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &withContent); err != nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(withContent.Content, &s); err == nil {
		return s, true
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(withContent.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" {
				return b.Text, true
			}
		}
	}
	return "", false
}

func replaceFirstMessageText(body []byte, newText string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(doc["messages"], &messages); err != nil || len(messages) == 0 {
		return nil, fmt.Errorf("handlers: no messages to rewrite")
	}

	var asString string
	if err := json.Unmarshal(messages[0]["content"], &asString); err == nil {
		raw, err := json.Marshal(newText)
		if err != nil {
			return nil, err
		}
		messages[0]["content"] = raw
	} else {
		var blocks []map[string]any
		if err := json.Unmarshal(messages[0]["content"], &blocks); err != nil {
			return nil, err
		}
		rewrote := false
		for i, b := range blocks {
			if b["type"] == "text" {
				blocks[i]["text"] = newText
				rewrote = true
				break
			}
		}
		if !rewrote {
			return nil, fmt.Errorf("handlers: no text block to rewrite")
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		messages[0]["content"] = raw
	}

	rawMessages, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	doc["messages"] = rawMessages
	return json.Marshal(doc)
}

// selectRoute picks "provider,model" per the router rules. subagentOverride, if non-empty, wins
// outright (the caller explicitly named a target). Otherwise: custom-router hook, then
// long-context threshold, then background (haiku-class) requests, then think (thinking enabled),
// then web-search (a web_search tool offered), then the caller's explicit model field, then the
// configured default.
func (h *ProxyHandler) selectRoute(body []byte, subagentOverride string, inputTokens int, cfg *config.Config) string {
	if subagentOverride != "" {
		return subagentOverride
	}

	if cfg.Router.CustomRouterPath != "" && h.customRouter != nil {
		if pm, ok := h.customRouter(body, cfg); ok {
			return pm
		}
	}

	var parsed struct {
		Model    string `json:"model"`
		Thinking *struct {
			Type string `json:"type"`
		} `json:"thinking"`
		Tools []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"tools"`
	}
	_ = json.Unmarshal(body, &parsed)

	webSearch := false
	for _, t := range parsed.Tools {
		if strings.HasPrefix(t.Type, "web_search") || t.Name == "web_search" {
			webSearch = true
		}
	}

	router := cfg.Router
	switch {
	case inputTokens > longContextThreshold && router.LongContext != "":
		return router.LongContext
	case strings.HasPrefix(parsed.Model, "claude-3-5-haiku") && router.Background != "":
		return router.Background
	case parsed.Thinking != nil && parsed.Thinking.Type == "enabled" && router.Think != "":
		return router.Think
	case webSearch && router.WebSearch != "":
		return router.WebSearch
	case strings.Contains(parsed.Model, ","):
		// The caller named a provider-qualified target directly; a bare model name like
		// "claude-sonnet-4" carries no provider and falls through to the default route.
		return parsed.Model
	default:
		return router.Default
	}
}

func splitProviderModel(pm string) (provider, model string) {
	parts := strings.SplitN(pm, ",", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", pm
}

func findProviderConfig(all []config.Provider, name string) (config.Provider, bool) {
	for _, p := range all {
		if p.Name == name {
			return p, true
		}
	}
	return config.Provider{}, false
}

func (h *ProxyHandler) countInputTokens(body []byte) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		h.logger.Error("failed to load tiktoken encoding", "err", err)
		return 0
	}
	return len(tke.Encode(string(body), nil, nil))
}

// decompressBrotli unwraps a brotli-encoded upstream body. The stdlib transport already
// transparently decodes gzip when it adds the Accept-Encoding header itself; brotli has no
// standard-library decoder, so providers that send it need this explicit unwrap.
func decompressBrotli(header http.Header, body io.ReadCloser) io.ReadCloser {
	if header.Get("Content-Encoding") != "br" {
		return body
	}
	header.Del("Content-Encoding")
	return struct {
		io.Reader
		io.Closer
	}{Reader: brotli.NewReader(body), Closer: body}
}

func copyHeaders(w http.ResponseWriter, header http.Header) {
	for key, values := range header {
		if key == "Content-Encoding" || key == "Content-Length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
}

func (h *ProxyHandler) httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.logger.Error("proxy error", "code", code, "message", msg)
	http.Error(w, msg, code)
}
