package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/llmrelay/internal/unified"
)

func decodeBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestBuildGeminiBodyIncludesSystemInstructionLiteral(t *testing.T) {
	req := &unified.ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []unified.Message{unified.NewTextMessage(unified.RoleUser, "hi")},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	si := body["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	assert.Equal(t, systemInstructionText, parts[0].(map[string]any)["text"])
}

func TestBuildGeminiBodyGemini3ForcesTemperature(t *testing.T) {
	req := &unified.ChatRequest{
		Model:     "gemini-3-pro-preview",
		Messages:  []unified.Message{unified.NewTextMessage(unified.RoleUser, "hi")},
		Reasoning: &unified.Reasoning{Effort: unified.ReasoningHigh},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	gc := body["generationConfig"].(map[string]any)
	assert.Equal(t, 1.0, gc["temperature"])
	tc := gc["thinkingConfig"].(map[string]any)
	assert.Equal(t, "HIGH", tc["thinkingLevel"])
}

func TestBuildGeminiBodyNonGemini3ThinkingBudgetClamped(t *testing.T) {
	maxTokens := 999999
	req := &unified.ChatRequest{
		Model:     "gemini-2.5-pro",
		Messages:  []unified.Message{unified.NewTextMessage(unified.RoleUser, "hi")},
		Reasoning: &unified.Reasoning{Effort: unified.ReasoningMedium, MaxTokens: &maxTokens},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	tc := body["generationConfig"].(map[string]any)["thinkingConfig"].(map[string]any)
	assert.Equal(t, float64(32768), tc["thinkingBudget"])
}

func TestBuildGeminiBodyEmptyMessagesYieldsEmptyContents(t *testing.T) {
	req := &unified.ChatRequest{Model: "gemini-2.5-flash"}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	assert.Nil(t, body["contents"])
	assert.NotNil(t, body["systemInstruction"])
}

func TestBuildGeminiBodyToolPartitionsWebSearch(t *testing.T) {
	req := &unified.ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []unified.Message{unified.NewTextMessage(unified.RoleUser, "hi")},
		Tools: []unified.Tool{
			{Type: "function", Function: unified.ToolFunction{Name: "web_search"}},
			{Type: "function", Function: unified.ToolFunction{
				Name: "read_file", Description: "reads a file",
				Parameters: map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}},
			}},
		},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	tools := body["tools"].([]any)
	require.Len(t, tools, 2)

	foundSearch, foundDecl := false, false
	for _, tool := range tools {
		tm := tool.(map[string]any)
		if _, ok := tm["googleSearch"]; ok {
			foundSearch = true
		}
		if decls, ok := tm["functionDeclarations"]; ok {
			foundDecl = true
			declList := decls.([]any)
			require.Len(t, declList, 1)
			decl := declList[0].(map[string]any)
			params := decl["parameters"].(map[string]any)
			assert.Equal(t, "OBJECT", params["type"])
		}
	}
	assert.True(t, foundSearch)
	assert.True(t, foundDecl)
}

func TestBuildGeminiBodyToolCallPairedWithResult(t *testing.T) {
	req := &unified.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []unified.Message{
			unified.NewTextMessage(unified.RoleUser, "read the file"),
			func() unified.Message {
				m := unified.NewTextMessage(unified.RoleAssistant, "")
				m.ToolCalls = []unified.ToolCall{{ID: "call_1", Type: "function", Function: unified.ToolCallFunction{Name: "read_file", Arguments: `{"path":"a.txt"}`}}}
				return m
			}(),
			func() unified.Message {
				m := unified.NewTextMessage(unified.RoleTool, "file contents")
				m.ToolCallID = "call_1"
				return m
			}(),
		},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	contents := body["contents"].([]any)
	require.Len(t, contents, 3)

	model := contents[1].(map[string]any)
	assert.Equal(t, "model", model["role"])
	modelParts := model["parts"].([]any)
	fc := modelParts[0].(map[string]any)["functionCall"].(map[string]any)
	assert.Equal(t, "read_file", fc["name"])

	response := contents[2].(map[string]any)
	assert.Equal(t, "user", response["role"])
	respParts := response["parts"].([]any)
	fr := respParts[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, "read_file", fr["name"])
	resultMap := fr["response"].(map[string]any)
	assert.Equal(t, "file contents", resultMap["result"])
}

func TestBuildGeminiBodyInjectsLoopHint(t *testing.T) {
	toolErr := func() unified.Message {
		m := unified.NewTextMessage(unified.RoleTool, "Error: old_string and new_string are exactly the same")
		return m
	}
	req := &unified.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []unified.Message{
			unified.NewTextMessage(unified.RoleUser, "edit the file"),
			toolErr(),
			toolErr(),
		},
	}
	raw, err := buildGeminiBody(req)
	require.NoError(t, err)

	body := decodeBody(t, raw)
	contents := body["contents"].([]any)
	last := contents[len(contents)-1].(map[string]any)
	assert.Equal(t, "user", last["role"])
	parts := last["parts"].([]any)
	lastPart := parts[len(parts)-1].(map[string]any)
	assert.Contains(t, lastPart["text"], "old_string and new_string were identical")
}

func TestToolChoiceMapping(t *testing.T) {
	tests := []struct {
		name string
		in   *unified.ToolChoice
		mode string
	}{
		{"auto", &unified.ToolChoice{Mode: unified.ToolChoiceAuto}, "auto"},
		{"none", &unified.ToolChoice{Mode: unified.ToolChoiceNone}, "none"},
		{"required", &unified.ToolChoice{Mode: unified.ToolChoiceRequired}, "any"},
		{"function", &unified.ToolChoice{Function: &unified.ToolChoiceFunction{Name: "f"}}, "any"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := buildToolConfig(tc.in)
			require.NotNil(t, cfg)
			assert.Equal(t, tc.mode, cfg.FunctionCallingConfig.Mode)
		})
	}
}
