// Package openai implements the Transformer contract against OpenAI-compatible
// /v1/chat/completions endpoints: a near-identity mapping since the Unified format is itself
// OpenAI-chat-completions shaped.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaymux/llmrelay/internal/unified"
)

type wireRequest struct {
	Model       string            `json:"model"`
	Messages    []wireMessage     `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  any               `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string             `json:"role"`
	Content    any                `json:"content"`
	ToolCalls  []unified.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
}

// buildOpenAIBody translates a UnifiedChatRequest into an OpenAI-compatible chat-completions
// request body, stripping cache_control from array content and $schema from tool parameters.
func buildOpenAIBody(req *unified.ChatRequest) ([]byte, error) {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm, err := buildWireMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, wm)
	}

	tools, err := buildWireTools(req.Tools)
	if err != nil {
		return nil, err
	}

	body := wireRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Tools:       tools,
		ToolChoice:  buildWireToolChoice(req.ToolChoice),
	}
	return json.Marshal(body)
}

func buildWireMessage(m unified.Message) (wireMessage, error) {
	wm := wireMessage{Role: string(m.Role), ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}

	if s, ok := m.StringContent(); ok {
		wm.Content = s
		return wm, nil
	}

	if parts, ok := m.PartsContent(); ok {
		stripped := make([]map[string]any, 0, len(parts))
		for _, p := range parts {
			entry := map[string]any{"type": string(p.Type)}
			switch p.Type {
			case unified.ContentPartText:
				entry["text"] = p.Text
			case unified.ContentPartImageURL:
				if p.ImageURL != nil {
					entry["image_url"] = map[string]any{"url": p.ImageURL.URL}
				}
			}
			stripped = append(stripped, entry)
		}
		wm.Content = stripped
		return wm, nil
	}

	wm.Content = nil
	return wm, nil
}

func buildWireToolChoice(choice *unified.ToolChoice) any {
	if choice == nil {
		return nil
	}
	if choice.Function != nil {
		return map[string]any{"type": "function", "function": map[string]any{"name": choice.Function.Name}}
	}
	return string(choice.Mode)
}

// buildWireTools copies UnifiedTools through to the wire shape, stripping "$schema" from the
// parameters root and from each entry under parameters.properties.
func buildWireTools(tools []unified.Tool) ([]json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(tools))
	for _, t := range tools {
		doc := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			},
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("openai: marshaling tool %q: %w", t.Function.Name, err)
		}
		stripped, err := stripSchemaField(raw)
		if err != nil {
			return nil, fmt.Errorf("openai: stripping $schema from tool %q: %w", t.Function.Name, err)
		}
		out = append(out, json.RawMessage(stripped))
	}
	return out, nil
}

// stripSchemaField removes "$schema" from function.parameters and from each entry under
// function.parameters.properties. It decodes the parameters subtree into a plain map rather
// than building gjson/sjson paths, since property names may contain characters ('.', '*')
// that would need escaping in path syntax.
func stripSchemaField(raw []byte) ([]byte, error) {
	params := gjson.GetBytes(raw, "function.parameters")
	if !params.Exists() {
		return raw, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(params.Raw), &decoded); err != nil {
		return nil, err
	}
	delete(decoded, "$schema")
	if props, ok := decoded["properties"].(map[string]any); ok {
		for name, v := range props {
			if propMap, ok := v.(map[string]any); ok {
				delete(propMap, "$schema")
				props[name] = propMap
			}
		}
	}

	reencoded, err := json.Marshal(decoded)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(raw, "function.parameters", reencoded)
}
