// Package callerproto implements the provider-agnostic "Anthropic-shaped caller body ->
// UnifiedChatRequest" transformation shared by every Transformer's transformRequestOut.
package callerproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymux/llmrelay/internal/unified"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []json.RawMessage  `json:"tools,omitempty"`
	ToolChoice  json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Source       *anthropicImage `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

// FromAnthropic parses an Anthropic-shaped caller request body into a UnifiedChatRequest.
func FromAnthropic(body []byte) (*unified.ChatRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("callerproto: decoding caller request: %w", err)
	}

	out := &unified.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Reasoning:   convertReasoning(req.Thinking),
	}

	if systemMsg, ok, err := flattenSystem(req.System); err != nil {
		return nil, err
	} else if ok {
		out.Messages = append(out.Messages, systemMsg)
	}

	for _, m := range req.Messages {
		msgs, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}
	out.Tools = tools

	if req.ToolChoice != nil {
		choice, err := convertToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = choice
	}

	return out, nil
}

// convertReasoning maps the caller's extended-thinking request onto the unified reasoning
// shape. The budget carries over as max_tokens; effort tiers follow the budget (under 4096
// tokens is low, under 16384 medium, larger high), and an enabled request with no budget
// defaults to high. A disabled or absent thinking field yields no reasoning request.
func convertReasoning(t *anthropicThinking) *unified.Reasoning {
	if t == nil || t.Type != "enabled" {
		return nil
	}
	r := &unified.Reasoning{Effort: unified.ReasoningHigh}
	if t.BudgetTokens > 0 {
		budget := t.BudgetTokens
		r.MaxTokens = &budget
		switch {
		case budget < 4096:
			r.Effort = unified.ReasoningLow
		case budget < 16384:
			r.Effort = unified.ReasoningMedium
		}
	}
	return r
}

// flattenSystem collapses a string or array-of-text-block system prompt into a single
// system-role UnifiedMessage.
func flattenSystem(raw json.RawMessage) (unified.Message, bool, error) {
	if len(raw) == 0 {
		return unified.Message{}, false, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return unified.Message{}, false, nil
		}
		return unified.NewTextMessage(unified.RoleSystem, asString), true, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return unified.Message{}, false, fmt.Errorf("callerproto: decoding system prompt: %w", err)
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	if len(texts) == 0 {
		return unified.Message{}, false, nil
	}
	return unified.NewTextMessage(unified.RoleSystem, strings.Join(texts, "\n")), true, nil
}

func convertMessage(m anthropicMessage) ([]unified.Message, error) {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []unified.Message{unified.NewTextMessage(unified.Role(m.Role), asString)}, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("callerproto: decoding message content: %w", err)
	}

	switch unified.Role(m.Role) {
	case unified.RoleUser:
		toolMsgs, err := convertToolMessages(blocks)
		if err != nil {
			return nil, err
		}
		if len(toolMsgs) == 0 {
			return []unified.Message{convertUserMessage(blocks)}, nil
		}
		for _, b := range blocks {
			if b.Type == "text" || b.Type == "image" {
				return append(toolMsgs, convertUserMessage(blocks)), nil
			}
		}
		return toolMsgs, nil
	case unified.RoleAssistant:
		return []unified.Message{convertAssistantMessage(blocks)}, nil
	default:
		return convertToolMessages(blocks)
	}
}

func convertUserMessage(blocks []anthropicContentBlock) unified.Message {
	var parts []unified.ContentPart
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, unified.ContentPart{Type: unified.ContentPartText, Text: b.Text})
		case "image":
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			mediaType := b.Source.MediaType
			if b.Source.Data != "" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			parts = append(parts, unified.ContentPart{
				Type:      unified.ContentPartImageURL,
				ImageURL:  &unified.ImageURL{URL: url},
				MediaType: mediaType,
			})
		}
	}
	if len(parts) == 1 && parts[0].Type == unified.ContentPartText {
		return unified.NewTextMessage(unified.RoleUser, parts[0].Text)
	}
	return unified.NewPartsMessage(unified.RoleUser, parts)
}

func convertAssistantMessage(blocks []anthropicContentBlock) unified.Message {
	var texts []string
	var calls []unified.ToolCall
	var thinking *unified.Thinking

	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "thinking":
			thinking = &unified.Thinking{Content: b.Thinking, Signature: b.Signature}
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			calls = append(calls, unified.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: unified.ToolCallFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}

	msg := unified.NewTextMessage(unified.RoleAssistant, strings.Join(texts, "\n"))
	msg.ToolCalls = calls
	msg.Thinking = thinking
	return msg
}

func convertToolMessages(blocks []anthropicContentBlock) ([]unified.Message, error) {
	var out []unified.Message
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		content, err := toolResultContent(b.Content)
		if err != nil {
			return nil, err
		}
		msg := unified.NewTextMessage(unified.RoleTool, content)
		msg.ToolCallID = b.ToolUseID
		out = append(out, msg)
	}
	return out, nil
}

func toolResultContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	return string(raw), nil
}

func convertTools(raw []json.RawMessage) ([]unified.Tool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tools := make([]unified.Tool, 0, len(raw))
	for _, r := range raw {
		t, err := convertTool(r)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func convertTool(raw json.RawMessage) (unified.Tool, error) {
	var wrapped struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Function.Name != "" {
		return unified.Tool{
			Type: "function",
			Function: unified.ToolFunction{
				Name:        wrapped.Function.Name,
				Description: wrapped.Function.Description,
				Parameters:  wrapped.Function.Parameters,
			},
		}, nil
	}

	var legacy struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return unified.Tool{}, fmt.Errorf("callerproto: decoding tool: %w", err)
	}
	return unified.Tool{
		Type: "function",
		Function: unified.ToolFunction{
			Name:        legacy.Name,
			Description: legacy.Description,
			Parameters:  legacy.InputSchema,
		},
	}, nil
}

func convertToolChoice(raw json.RawMessage) (*unified.ToolChoice, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto":
			return &unified.ToolChoice{Mode: unified.ToolChoiceAuto}, nil
		case "none":
			return &unified.ToolChoice{Mode: unified.ToolChoiceNone}, nil
		case "required", "any":
			return &unified.ToolChoice{Mode: unified.ToolChoiceRequired}, nil
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("callerproto: decoding tool_choice: %w", err)
	}
	name := obj.Name
	if name == "" {
		name = obj.Function.Name
	}
	if name == "" {
		return &unified.ToolChoice{Mode: unified.ToolChoiceAuto}, nil
	}
	return &unified.ToolChoice{Function: &unified.ToolChoiceFunction{Name: name}}, nil
}
