package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/relaymux/llmrelay/internal/transform/common"
)

// streamState is the Gemini streaming translator's chunk re-sequencer. It enforces the
// thinking -> signature -> text -> tool_calls ordering contract across an arbitrary sequence
// of upstream SSE chunks.
type streamState struct {
	signatureSent      bool
	contentSent        bool
	hasThinkingContent bool
	pendingContent     string
	contentIndex       int
	toolCallIndex      int
	usage              *common.Usage

	id      string
	created int64
}

func newStreamState() *streamState {
	return &streamState{
		toolCallIndex: -1,
		id:            "chatcmpl-" + uuid.NewString(),
		created:       time.Now().Unix(),
	}
}

// streamWriter is the minimal sink stream chunks are framed onto.
type streamWriter interface {
	Write([]byte) (int, error)
	Flush()
}

// translateStream reads Gemini SSE chunks from body and writes caller-facing SSE chunks to w.
// suggestionMode delays the final [DONE] flush by 3s per the suggestion-mode design note. If
// ctx is canceled (caller abort), the caller stream is closed without a final [DONE] frame;
// a provider-side premature close still emits [DONE] and closes cleanly.
func translateStream(ctx context.Context, model string, body io.Reader, w streamWriter, suggestionMode bool) error {
	st := newStreamState()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			slog.Warn("gemini: caller canceled stream, closing without [DONE]", "err", ctx.Err())
			return nil
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		if !gjson.Valid(data) {
			slog.Error("gemini: invalid stream chunk JSON, skipping", "data", data)
			continue
		}
		if err := processChunk(model, []byte(data), st, w); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			slog.Warn("gemini: caller canceled stream, closing without [DONE]", "err", ctx.Err())
			return nil
		}
		if isPrematureClose(err) {
			slog.Warn("gemini: upstream stream closed prematurely", "err", err)
			return finish(w, suggestionMode)
		}
		return fmt.Errorf("gemini: reading stream: %w", err)
	}

	return finish(w, suggestionMode)
}

func finish(w streamWriter, suggestionMode bool) error {
	if suggestionMode {
		time.Sleep(3000 * time.Millisecond)
	}
	if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func isPrematureClose(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

func processChunk(model string, chunk []byte, st *streamState, w streamWriter) error {
	result := gjson.ParseBytes(chunk)
	candidate := result.Get("candidates.0")

	var thinkingTexts []string
	var textBuilder strings.Builder
	var functionCalls []gjson.Result
	signature := ""

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			st.hasThinkingContent = true
			if t := part.Get("text").String(); t != "" {
				thinkingTexts = append(thinkingTexts, t)
			}
		} else if part.Get("functionCall").Exists() {
			functionCalls = append(functionCalls, part)
		} else if t := part.Get("text"); t.Exists() {
			textBuilder.WriteString(t.String())
		}
		if sig := part.Get("thoughtSignature").String(); sig != "" && signature == "" {
			signature = sig
		}
		return true
	})

	text := textBuilder.String()
	hasToolCalls := len(functionCalls) > 0
	if u := usageFromChunk(result); u != nil {
		st.usage = u
	}
	usage := st.usage
	finishReasonRaw := candidate.Get("finishReason").String()

	for _, t := range thinkingTexts {
		if err := emitThinkingContent(w, st, model, st.contentIndex, t, usage); err != nil {
			return err
		}
	}

	hadPendingAtStart := st.pendingContent != ""

	if signature != "" && !st.signatureSent {
		if err := emitThinkingSignature(w, st, model, st.contentIndex, signature, usage); err != nil {
			return err
		}
		st.signatureSent = true
		st.contentIndex++
		if st.pendingContent != "" {
			flushed := st.pendingContent
			st.pendingContent = ""
			if err := emitTextDelta(w, st, model, st.contentIndex, flushed, nil, nil, usage); err != nil {
				return err
			}
		}
	}

	if st.hasThinkingContent && text != "" && !st.signatureSent {
		if isGemini3(model) {
			st.pendingContent += text
			return nil
		}
		synth := fmt.Sprintf("ccr_%d", time.Now().UnixMilli())
		if err := emitThinkingSignature(w, st, model, st.contentIndex, synth, usage); err != nil {
			return err
		}
		st.signatureSent = true
		st.contentIndex++
	}

	if text != "" {
		if !hadPendingAtStart {
			st.contentIndex++
		}
		finishReason := getFinishReason(finishReasonRaw, hasToolCalls)
		annotations := groundingAnnotations(result)
		if err := emitTextDelta(w, st, model, st.contentIndex, text, finishReason, annotations, usage); err != nil {
			return err
		}
		st.contentSent = true
	}

	for _, fc := range functionCalls {
		st.contentIndex++
		st.toolCallIndex++
		if err := emitToolCallDelta(w, st, model, st.contentIndex, st.toolCallIndex, fc, usage); err != nil {
			return err
		}
	}

	return nil
}

func getFinishReason(raw string, hasToolCalls bool) *string {
	if raw == "" {
		if hasToolCalls {
			s := "tool_calls"
			return &s
		}
		return nil
	}
	lower := strings.ToLower(raw)
	if hasToolCalls && lower == "stop" {
		lower = "tool_calls"
	}
	return &lower
}

func usageFromChunk(result gjson.Result) *common.Usage {
	u := result.Get("usageMetadata")
	if !u.Exists() {
		return nil
	}
	return &common.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		CachedTokens:     int(u.Get("cachedContentTokenCount").Int()),
		ThoughtsTokens:   int(u.Get("thoughtsTokenCount").Int()),
	}
}

// groundingAnnotations pairs groundingMetadata.groundingChunks with the first
// groundingSupports entry that references each chunk's index.
func groundingAnnotations(result gjson.Result) []common.Annotation {
	chunks := result.Get("candidates.0.groundingMetadata.groundingChunks")
	if !chunks.Exists() {
		return nil
	}
	supports := result.Get("candidates.0.groundingMetadata.groundingSupports").Array()

	var annotations []common.Annotation
	chunks.ForEach(func(key, chunk gjson.Result) bool {
		idx := key.Int()
		url := chunk.Get("web.uri").String()
		if url == "" {
			return true
		}
		title := chunk.Get("web.title").String()
		for _, support := range supports {
			referenced := false
			support.Get("groundingChunkIndices").ForEach(func(_, v gjson.Result) bool {
				if v.Int() == idx {
					referenced = true
					return false
				}
				return true
			})
			if referenced {
				annotations = append(annotations, common.Annotation{
					Type:        "url_citation",
					URLCitation: common.URLCitation{URL: url, Title: title},
				})
				break
			}
		}
		return true
	})
	return annotations
}

func emitThinkingContent(w streamWriter, st *streamState, model string, index int, text string, usage *common.Usage) error {
	delta := &common.Message{Role: "assistant", Thinking: &common.ThinkingFields{Content: text}}
	return writeChunk(w, st, model, index, delta, nil, usage)
}

func emitThinkingSignature(w streamWriter, st *streamState, model string, index int, signature string, usage *common.Usage) error {
	delta := &common.Message{Role: "assistant", Thinking: &common.ThinkingFields{Signature: signature}}
	return writeChunk(w, st, model, index, delta, nil, usage)
}

func emitTextDelta(w streamWriter, st *streamState, model string, index int, text string, finishReason *string, annotations []common.Annotation, usage *common.Usage) error {
	delta := &common.Message{Role: "assistant", Content: common.StringPtr(text), Annotations: annotations}
	return writeChunk(w, st, model, index, delta, finishReason, usage)
}

func emitToolCallDelta(w streamWriter, st *streamState, model string, index, toolCallIndex int, fc gjson.Result, usage *common.Usage) error {
	var args map[string]any
	if raw := fc.Get("functionCall.args"); raw.Exists() {
		_ = json.Unmarshal([]byte(raw.Raw), &args)
	}
	argsJSON, err := json.Marshal(valueOrEmptyMap(args))
	if err != nil {
		return err
	}

	idx := toolCallIndex
	toolCall := common.ToolCall{
		Index: &idx,
		ID:    fc.Get("functionCall.id").String(),
		Type:  "function",
		Function: common.ToolCallFunction{
			Name:      fc.Get("functionCall.name").String(),
			Arguments: string(argsJSON),
		},
	}
	delta := &common.Message{Role: "assistant", ToolCalls: []common.ToolCall{toolCall}}
	finishReason := "tool_calls"
	return writeChunk(w, st, model, index, delta, &finishReason, usage)
}

func writeChunk(w streamWriter, st *streamState, model string, index int, delta *common.Message, finishReason *string, usage *common.Usage) error {
	chunk := common.ChatCompletionChunk{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   model,
		Choices: []common.Choice{{
			Index:        index,
			Delta:        delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	w.Flush()
	return nil
}
