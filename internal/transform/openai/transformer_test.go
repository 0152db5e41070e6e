package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformerNameAndEndPoint(t *testing.T) {
	tr := New()
	assert.Equal(t, "openai", tr.Name())
	assert.Equal(t, "https://api.example.com/v1/chat/completions", tr.EndPoint("https://api.example.com/", "gpt-4o-mini", false))
	assert.Equal(t, "https://api.example.com/v1/chat/completions", tr.EndPoint("https://api.example.com", "gpt-4o-mini", true))
}

func TestTransformerAuthSetsBearerHeader(t *testing.T) {
	tr := New()
	headers := tr.Auth("sk-test")
	require.NotNil(t, headers["Authorization"])
	assert.Equal(t, "Bearer sk-test", *headers["Authorization"])
}

func TestTransformerRequestOutDelegatesToCallerproto(t *testing.T) {
	tr := New()
	body := []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	req, err := tr.TransformRequestOut(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	s, ok := req.Messages[0].StringContent()
	require.True(t, ok)
	assert.Equal(t, "hi", s)
}
