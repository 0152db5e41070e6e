package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/llmrelay/internal/config"
	"github.com/relaymux/llmrelay/internal/providers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestConfig(t *testing.T, providersCfg []config.Provider, router config.RouterConfig) *config.Manager {
	t.Helper()
	mgr := config.NewManager(t.TempDir())
	require.NoError(t, mgr.Save(&config.Config{
		Host:      "127.0.0.1",
		Port:      6970,
		Providers: providersCfg,
		Router:    router,
	}))
	return mgr
}

func anthropicBody(model, text string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": text},
		},
		"stream":     stream,
		"max_tokens": 64,
	})
	return body
}

func TestServeHTTPUnaryGemini(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-gemini-key", r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}]}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "gem", Kind: config.KindGemini, APIBase: upstream.URL, APIKey: "test-gemini-key"},
	}, config.RouterConfig{Default: "gem,gemini-2.5-flash"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi there")
}

func TestServeHTTPUnaryOpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-openai-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "oai", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "test-openai-key"},
	}, config.RouterConfig{Default: "oai,gpt-4o-mini"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatcmpl-1")
}

func TestServeHTTPGeminiThinkingConfigFromCallerBody(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "gem", Kind: config.KindGemini, APIBase: upstream.URL, APIKey: "test-gemini-key"},
	}, config.RouterConfig{Default: "gem,gemini-2.5-pro"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	callerBody, _ := json.Marshal(map[string]any{
		"model":      "claude-sonnet",
		"max_tokens": 64,
		"thinking":   map[string]any{"type": "enabled", "budget_tokens": 32000},
		"messages": []map[string]any{
			{"role": "user", "content": "think hard about this"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(callerBody))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, gotBody, `"thinkingConfig"`)
	assert.Contains(t, gotBody, `"includeThoughts":true`)
	assert.Contains(t, gotBody, `"thinkingBudget":32000`)
}

func TestServeHTTPStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "oai", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "test-openai-key"},
	}, config.RouterConfig{Default: "oai,gpt-4o-mini"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", true)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "[DONE]")
}

func TestServeHTTPNon2xxPassedThroughUnchanged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request upstream"}}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "oai", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "k"},
	}, config.RouterConfig{Default: "oai,gpt-4o-mini"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad request upstream")
}

func TestServeHTTPUnknownProviderReturnsBadRequest(t *testing.T) {
	cfgMgr := newTestConfig(t, nil, config.RouterConfig{Default: "missing,some-model"})
	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPSubagentMarkerOverridesRoute(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "subagent-provider", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "k"},
		{Name: "default-provider", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "k"},
	}, config.RouterConfig{Default: "default-provider,default-model"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	markedText := subagentMarkerOpen + "subagent-provider,subagent-model" + subagentMarkerClose + "do the thing"
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", markedText, false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, gotBody, "subagent-model")
	assert.NotContains(t, gotBody, subagentMarkerOpen)
}

func TestServeHTTPCustomRouterHookOverridesDefault(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "hooked", Kind: config.KindOpenAI, APIBase: upstream.URL, APIKey: "k"},
	}, config.RouterConfig{Default: "unused,unused-model", CustomRouterPath: "/custom/router.js"})

	called := false
	hook := CustomRouterFunc(func(callerBody []byte, cfg *config.Config) (string, bool) {
		called = true
		return "hooked,hooked-model", true
	})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), hook, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestServeHTTPMissingAPIKeyReturnsServerError(t *testing.T) {
	cfgMgr := newTestConfig(t, []config.Provider{
		{Name: "gem", Kind: config.KindGemini, APIBase: "https://example.invalid", APIKey: ""},
	}, config.RouterConfig{Default: "gem,gemini-2.5-flash"})

	handler := NewProxyHandler(cfgMgr, providers.NewRegistry(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(anthropicBody("claude-sonnet", "hello", false)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSelectRouteLongContextThreshold(t *testing.T) {
	h := &ProxyHandler{}
	cfg := &config.Config{Router: config.RouterConfig{Default: "def,m", LongContext: "long,m"}}

	route := h.selectRoute([]byte(`{}`), "", longContextThreshold+1, cfg)
	assert.Equal(t, "long,m", route)

	route = h.selectRoute([]byte(`{}`), "", 10, cfg)
	assert.Equal(t, "def,m", route)
}

func TestSplitProviderModel(t *testing.T) {
	provider, model := splitProviderModel("gem,gemini-2.5-flash")
	assert.Equal(t, "gem", provider)
	assert.Equal(t, "gemini-2.5-flash", model)

	provider, model = splitProviderModel("justmodel")
	assert.Equal(t, "", provider)
	assert.Equal(t, "justmodel", model)
}

func TestDecompressBrotliPassesThroughWithoutEncoding(t *testing.T) {
	body, _ := io.Pipe()
	header := http.Header{}
	out := decompressBrotli(header, body)
	assert.Same(t, body, out)
}
