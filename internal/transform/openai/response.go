package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// translateUnary is a near-identity pass-through: the upstream body is already
// OpenAI-chat-completions shaped, the same shape this router returns to callers. The body is
// checked to be valid JSON and then returned byte-for-byte unchanged.
func translateUnary(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("openai: upstream response is not valid JSON")
	}
	return body, nil
}

type streamWriter interface {
	Write([]byte) (int, error)
	Flush()
}

// streamRelay performs SSE framing pass-through with sticky-closed idempotency: every write
// checks a one-shot closed flag so a normal end-of-stream and a concurrent upstream error path
// can both attempt to close without double-closing the caller stream.
type streamRelay struct {
	w              streamWriter
	suggestionMode bool
	mu             sync.Mutex
	closed         bool
}

func (r *streamRelay) write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if _, err := r.w.Write(data); err != nil {
		return err
	}
	r.w.Flush()
	return nil
}

// markClosed marks the relay closed without emitting a final frame, for the caller-abort path.
func (r *streamRelay) markClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *streamRelay) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.suggestionMode {
		time.Sleep(3000 * time.Millisecond)
	}
	if _, err := r.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	r.w.Flush()
	return nil
}

// translateStream relays upstream SSE frames to the caller, re-serializing each parsed JSON
// chunk so malformed frames are dropped rather than forwarded verbatim. If ctx is canceled
// (caller abort), the caller stream is closed without a final [DONE] frame; a provider-side
// premature close still emits [DONE] and closes cleanly.
func translateStream(ctx context.Context, body io.Reader, w streamWriter, suggestionMode bool) error {
	relay := &streamRelay{w: w, suggestionMode: suggestionMode}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			slog.Warn("openai: caller canceled stream, closing without [DONE]", "err", ctx.Err())
			relay.markClosed()
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
			return relay.close()
		}
		var chunk bytes.Buffer
		if err := json.Compact(&chunk, []byte(data)); err != nil {
			slog.Error("openai: invalid stream chunk JSON, skipping", "data", data)
			continue
		}
		if err := relay.write([]byte("data: " + chunk.String() + "\n\n")); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			slog.Warn("openai: caller canceled stream, closing without [DONE]", "err", ctx.Err())
			relay.markClosed()
			return nil
		}
		slog.Warn("openai: upstream stream closed prematurely", "err", err)
		return relay.close()
	}
	return relay.close()
}
