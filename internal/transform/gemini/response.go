package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/llmrelay/internal/transform/common"
)

// translateUnary converts a Gemini generateContent response body into a caller-facing
// OpenAI-chat-completions-shaped unary response.
func translateUnary(model string, body []byte) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: response has no candidates")
	}
	candidate := resp.Candidates[0]

	var thinkingContent, thinkingSignature string
	var textParts []string
	var toolCalls []common.ToolCall

	for _, part := range candidate.Content.Parts {
		if part.Thought {
			thinkingContent += part.Text
			if thinkingSignature == "" && part.ThoughtSignature != "" {
				thinkingSignature = part.ThoughtSignature
			}
			continue
		}
		if thinkingSignature == "" && part.ThoughtSignature != "" {
			thinkingSignature = part.ThoughtSignature
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(valueOrEmptyMap(part.FunctionCall.Args))
			if err != nil {
				return nil, fmt.Errorf("gemini: encoding function call args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "tool_" + uuid.NewString()
			}
			toolCalls = append(toolCalls, common.ToolCall{
				ID:   id,
				Type: "function",
				Function: common.ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
			continue
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	finishReason := strings.ToLower(candidate.FinishReason)
	if len(toolCalls) > 0 && finishReason == "stop" {
		finishReason = "tool_calls"
	}

	message := &common.Message{Role: "assistant"}
	if len(textParts) > 0 {
		message.Content = common.StringPtr(strings.Join(textParts, "\n"))
	}
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
	}
	if thinkingContent != "" && thinkingSignature != "" {
		message.Thinking = &common.ThinkingFields{Content: thinkingContent, Signature: thinkingSignature}
	}

	out := common.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []common.Choice{{Index: 0, Message: message, FinishReason: &finishReason}},
		Usage:   translateUsage(resp.UsageMetadata),
	}
	return json.Marshal(out)
}

func translateUsage(u *geminiUsageMetadata) *common.Usage {
	if u == nil {
		return nil
	}
	return &common.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
		CachedTokens:     u.CachedContentTokenCount,
		ThoughtsTokens:   u.ThoughtsTokenCount,
	}
}

func valueOrEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
