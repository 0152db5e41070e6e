package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymux/llmrelay/internal/loopdetect"
	"github.com/relaymux/llmrelay/internal/schema"
	"github.com/relaymux/llmrelay/internal/unified"
)

// thinkingBudgetRange holds the [min,max] thinkingBudget values for a non-gemini-3 model tier.
type thinkingBudgetRange struct{ min, max int }

var (
	proThinkingBudget     = thinkingBudgetRange{128, 32768}
	defaultThinkingBudget = thinkingBudgetRange{0, 24576}
)

// buildGeminiBody translates a UnifiedChatRequest into a Gemini generateContent/
// streamGenerateContent request body.
func buildGeminiBody(req *unified.ChatRequest) ([]byte, error) {
	contents, err := buildContents(req.Messages)
	if err != nil {
		return nil, err
	}

	tools, err := buildTools(req.Tools)
	if err != nil {
		return nil, err
	}

	body := &geminiRequest{
		Contents: contents,
		Tools:    tools,
		SystemInstruction: &geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: systemInstructionText}},
		},
		GenerationConfig: buildGenerationConfig(req),
		ToolConfig:       buildToolConfig(req.ToolChoice),
	}

	return json.Marshal(body)
}

// buildTools partitions UnifiedTools into googleSearch and functionDeclarations, running each
// function's parameters through the Schema Utilities dialect conversion.
func buildTools(tools []unified.Tool) ([]geminiTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	var out []geminiTool
	var declarations []json.RawMessage

	for _, t := range tools {
		if t.Function.Name == "web_search" {
			out = append(out, geminiTool{GoogleSearch: &struct{}{}})
			continue
		}

		doc := map[string]any{
			"name":        t.Function.Name,
			"description": t.Function.Description,
		}
		if t.Function.Parameters != nil {
			doc["parameters"] = schema.CleanupParameters(t.Function.Parameters)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("gemini: marshaling tool %q: %w", t.Function.Name, err)
		}
		processed, err := schema.TTool(raw)
		if err != nil {
			return nil, fmt.Errorf("gemini: normalizing tool %q schema: %w", t.Function.Name, err)
		}
		declarations = append(declarations, json.RawMessage(processed))
	}

	if len(declarations) > 0 {
		out = append(out, geminiTool{FunctionDeclarations: declarations})
	}
	return out, nil
}

func buildToolConfig(choice *unified.ToolChoice) *geminiToolConfig {
	if choice == nil {
		return nil
	}
	if choice.Function != nil {
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{
			Mode:                 "any",
			AllowedFunctionNames: []string{choice.Function.Name},
		}}
	}
	switch choice.Mode {
	case unified.ToolChoiceNone:
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "none"}}
	case unified.ToolChoiceRequired:
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "any"}}
	case unified.ToolChoiceAuto:
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "auto"}}
	default:
		return nil
	}
}

func isGemini3(model string) bool { return strings.Contains(model, "gemini-3") }

func isPro(model string) bool { return strings.Contains(model, "pro") }

func buildGenerationConfig(req *unified.ChatRequest) *geminiGenerationConfig {
	cfg := &geminiGenerationConfig{}
	hasConfig := false

	if isGemini3(req.Model) {
		t := 1.0
		cfg.Temperature = &t
		hasConfig = true
	} else if req.Temperature != nil {
		cfg.Temperature = req.Temperature
		hasConfig = true
	}

	if req.Reasoning != nil {
		switch req.Reasoning.Effort {
		case unified.ReasoningLow, unified.ReasoningMedium, unified.ReasoningHigh:
			cfg.ThinkingConfig = buildThinkingConfig(req.Model, req.Reasoning)
			hasConfig = true
		}
	}

	if !hasConfig {
		return nil
	}
	return cfg
}

func buildThinkingConfig(model string, reasoning *unified.Reasoning) *geminiThinkingConfig {
	tc := &geminiThinkingConfig{IncludeThoughts: true}

	if isGemini3(model) {
		switch reasoning.Effort {
		case unified.ReasoningHigh:
			tc.ThinkingLevel = "HIGH"
		case unified.ReasoningMedium:
			if !isPro(model) {
				tc.ThinkingLevel = "MEDIUM"
			} else {
				tc.ThinkingLevel = "LOW"
			}
		default:
			tc.ThinkingLevel = "LOW"
		}
		return tc
	}

	rng := defaultThinkingBudget
	if isPro(model) {
		rng = proThinkingBudget
	}
	if reasoning.MaxTokens != nil {
		budget := clamp(*reasoning.MaxTokens, rng.min, rng.max)
		tc.ThinkingBudget = &budget
	}
	return tc
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// buildContents maps UnifiedMessages to Gemini contents, pairing assistant tool_calls with
// their matching tool-result messages and appending the loop-detection hint at the end.
func buildContents(messages []unified.Message) ([]geminiContent, error) {
	toolResults := collectToolResults(messages)

	var contents []geminiContent
	for _, m := range messages {
		if m.Role == unified.RoleTool {
			continue
		}

		c, err := messageToContent(m)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)

		if m.Role == unified.RoleAssistant && len(m.ToolCalls) > 0 {
			contents = append(contents, functionResponseContent(m.ToolCalls, toolResults))
		}
	}

	if hint := loopdetect.Detect(messages); hint != "" {
		contents = appendHint(contents, hint)
	}

	return contents, nil
}

func collectToolResults(messages []unified.Message) map[string]any {
	results := make(map[string]any)
	for _, m := range messages {
		if m.Role != unified.RoleTool {
			continue
		}
		if s, ok := m.StringContent(); ok {
			results[m.ToolCallID] = s
			continue
		}
		if parts, ok := m.PartsContent(); ok {
			results[m.ToolCallID] = partsToPlain(parts)
		}
	}
	return results
}

func functionResponseContent(calls []unified.ToolCall, toolResults map[string]any) geminiContent {
	parts := make([]geminiPart, 0, len(calls))
	for _, call := range calls {
		result, ok := toolResults[call.ID]
		var response any
		if ok {
			response = map[string]any{"result": result}
		} else {
			response = map[string]any{"result": nil}
		}
		parts = append(parts, geminiPart{
			FunctionResponse: &geminiFunctionResponse{Name: call.Function.Name, Response: response},
		})
	}
	return geminiContent{Role: "user", Parts: parts}
}

func geminiRole(role unified.Role) string {
	if role == unified.RoleAssistant {
		return "model"
	}
	return "user"
}

func messageToContent(m unified.Message) (geminiContent, error) {
	parts, err := contentParts(m)
	if err != nil {
		return geminiContent{}, err
	}

	signatureAttached := len(parts) > 0 && parts[0].ThoughtSignature != ""

	if len(m.ToolCalls) > 0 {
		for i, call := range m.ToolCalls {
			var args map[string]any
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					return geminiContent{}, fmt.Errorf("gemini: decoding tool_call arguments: %w", err)
				}
			}
			part := geminiPart{FunctionCall: &geminiFunctionCall{ID: call.ID, Name: call.Function.Name, Args: args}}
			if i == 0 && !signatureAttached && m.Thinking != nil && m.Thinking.Signature != "" {
				part.ThoughtSignature = m.Thinking.Signature
				signatureAttached = true
			}
			parts = append(parts, part)
		}
	}

	if len(parts) == 0 {
		parts = []geminiPart{{Text: ""}}
	}

	return geminiContent{Role: geminiRole(m.Role), Parts: parts}, nil
}

func contentParts(m unified.Message) ([]geminiPart, error) {
	if s, ok := m.StringContent(); ok {
		if s == "" && len(m.ToolCalls) > 0 {
			return nil, nil
		}
		part := geminiPart{Text: s}
		if m.Thinking != nil && m.Thinking.Signature != "" {
			part.ThoughtSignature = m.Thinking.Signature
		}
		return []geminiPart{part}, nil
	}

	if parts, ok := m.PartsContent(); ok {
		out := make([]geminiPart, 0, len(parts))
		for i, p := range parts {
			gp, err := contentPartToGemini(p)
			if err != nil {
				return nil, err
			}
			if i == 0 && m.Thinking != nil && m.Thinking.Signature != "" {
				gp.ThoughtSignature = m.Thinking.Signature
			}
			out = append(out, gp)
		}
		return out, nil
	}

	return nil, nil
}

func contentPartToGemini(p unified.ContentPart) (geminiPart, error) {
	switch p.Type {
	case unified.ContentPartText:
		return geminiPart{Text: p.Text}, nil
	case unified.ContentPartImageURL:
		if p.ImageURL == nil {
			return geminiPart{Text: ""}, nil
		}
		if strings.HasPrefix(p.ImageURL.URL, "http") {
			return geminiPart{FileData: &geminiFileData{MimeType: p.MediaType, FileURI: p.ImageURL.URL}}, nil
		}
		idx := strings.LastIndex(p.ImageURL.URL, ",")
		data := p.ImageURL.URL
		if idx >= 0 {
			data = p.ImageURL.URL[idx+1:]
		}
		return geminiPart{InlineData: &geminiInlineData{MimeType: p.MediaType, Data: data}}, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return geminiPart{}, err
		}
		return geminiPart{Text: string(b)}, nil
	}
}

func partsToPlain(parts []unified.ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == unified.ContentPartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "")
}

func appendHint(contents []geminiContent, hint string) []geminiContent {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "user" {
			contents[i].Parts = append(contents[i].Parts, geminiPart{Text: hint})
			return contents
		}
	}
	return append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: hint}}})
}
