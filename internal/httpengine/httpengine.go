// Package httpengine performs a single logical upstream HTTP call with the retry, backoff,
// timeout, and cancellation policy this router needs to talk to flaky LLM providers: a
// per-attempt connect timeout, bounded retries driven by provider-specific error payloads, a
// daily-quota short circuit, and immediate caller-cancellation propagation.
package httpengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// MaxRetries is the number of retries beyond the first attempt (3 attempts total).
const MaxRetries = 2

// InitialBackoff is the base exponential backoff delay and the floor for every computed delay.
const InitialBackoff = 1000 * time.Millisecond

// ConnectTimeout is the per-attempt deadline to receive response headers. It does not bound
// body streaming once headers have arrived. A var so tests can shrink it.
var ConnectTimeout = 90 * time.Second

// Config carries the cross-cutting knobs for one Send call.
type Config struct {
	// Headers merges onto every attempt. A key mapped to nil is explicitly removed from the
	// outgoing request even if the transport would otherwise set it (used to strip
	// Authorization for Gemini).
	Headers map[string]*string
	// HTTPSProxy, if set, routes the request through this proxy URL.
	HTTPSProxy string
}

// Request is one logical upstream call.
type Request struct {
	URL    string
	Body   []byte
	Config Config
	// Stream marks a request whose body cannot be safely re-read; streaming requests are
	// never retried regardless of the failure encountered.
	Stream bool
}

// Response is the result of Send: either the final attempt's response (successful, or the
// last attempt of an exhausted retryable-status loop, or a daily-quota short circuit) or an
// error for a caller cancellation or an exhausted transient-network loop.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Attempts   int
}

// Logger receives Send's retry and quota warnings. It starts as slog.Default(); a nil value is
// not handled.
var Logger = slog.Default()

// Send performs one logical upstream call, retrying according to the policy above.
func Send(ctx context.Context, req Request) (*Response, error) {
	client, err := newClient(req.Config.HTTPSProxy)
	if err != nil {
		return nil, fmt.Errorf("httpengine: building client: %w", err)
	}

	var lastResp *http.Response
	for attempt := 1; attempt <= MaxRetries+1; attempt++ {
		resp, attemptErr := doAttempt(ctx, client, req)
		if attemptErr != nil {
			if errors.Is(attemptErr, context.Canceled) || ctx.Err() != nil {
				return nil, fmt.Errorf("httpengine: caller canceled: %w", attemptErr)
			}
			if !isRetryableNetworkError(attemptErr) || req.Stream || attempt > MaxRetries {
				return nil, fmt.Errorf("httpengine: request failed after %d attempt(s): %w", attempt, attemptErr)
			}
			Logger.Warn("httpengine: transient network error, retrying", "attempt", attempt, "err", attemptErr)
			if err := sleepBackoff(ctx, nil, nil, attempt); err != nil {
				return nil, err
			}
			continue
		}

		lastResp = resp
		if !isRetryableStatus(resp.StatusCode) {
			return toResponse(resp, attempt), nil
		}

		info := extractRetryInfo(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && info.isDailyQuota {
			Logger.Warn("httpengine: daily quota exhausted, not retrying", "url", req.URL)
			return toResponseWithBody(resp, attempt, info.rawBody), nil
		}

		if req.Stream || attempt > MaxRetries {
			return toResponseWithBody(resp, attempt, info.rawBody), nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("httpengine: caller canceled: %w", ctx.Err())
		}

		var headerRetryAfter *time.Duration
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			headerRetryAfter = &d
		}

		Logger.Warn("httpengine: retryable status, retrying", "status", resp.StatusCode, "attempt", attempt)
		if err := sleepBackoff(ctx, headerRetryAfter, info.retryDelay, attempt); err != nil {
			return nil, err
		}
	}

	return toResponse(lastResp, MaxRetries+1), nil
}

func doAttempt(ctx context.Context, client *http.Client, req Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	// The connect timer cancels attemptCtx by hand rather than via context.WithTimeout so the
	// deadline stops applying once headers arrive (body streaming is unconstrained). Canceling
	// by hand yields context.Canceled, which Send would mistake for a caller abort, so the
	// timer records that it fired and the error is rewrapped as a deadline below.
	var timedOut atomic.Bool
	timer := time.AfterFunc(ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, req.Config.Headers)

	resp, err := client.Do(httpReq)
	timer.Stop()
	if err != nil {
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("connect timeout after %s: %w", ConnectTimeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	// Headers arrived: body reads remain bound only to the caller's cancellation signal, not
	// the connect timer. cancel releases attemptCtx's resources once the body is closed.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func applyHeaders(req *http.Request, headers map[string]*string) {
	for k, v := range headers {
		if v == nil {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, *v)
	}
}

func newClient(httpsProxy string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if httpsProxy != "" {
		proxyURL, err := url.Parse(httpsProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid httpsProxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport}, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 504)
}

func isRetryableNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

func toResponse(resp *http.Response, attempts int) *Response {
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Attempts: attempts}
}

// toResponseWithBody is used when the body has already been drained for retry-info
// extraction; it rewraps the captured bytes so the caller still sees a full body.
func toResponseWithBody(resp *http.Response, attempts int, body []byte) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Attempts:   attempts,
	}
}

type retryInfo struct {
	retryDelay   *time.Duration
	isDailyQuota bool
	rawBody      []byte
}

// extractRetryInfo reads and buffers the body (so it can be rewrapped for the caller), and
// walks error.details[] for retryDelay/quotaId the way provider error payloads shape them.
func extractRetryInfo(body io.Reader) retryInfo {
	raw, _ := io.ReadAll(body)
	info := retryInfo{rawBody: raw}
	if !gjson.ValidBytes(raw) {
		return info
	}

	var maxDelay time.Duration
	gjson.GetBytes(raw, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if d := detail.Get("retryDelay"); d.Exists() {
			if parsed, err := parseRetryDelay(d.String()); err == nil && parsed > maxDelay {
				maxDelay = parsed
			}
		}
		if q := detail.Get("metadata.quotaId"); q.Exists() && strings.Contains(q.String(), "PerDay") {
			info.isDailyQuota = true
		}
		return true
	})

	if maxDelay > 0 {
		if maxDelay < InitialBackoff {
			maxDelay = InitialBackoff
		}
		info.retryDelay = &maxDelay
	}
	return info
}

// parseRetryDelay parses a "<float>s" duration string as providers encode retryDelay.
func parseRetryDelay(s string) (time.Duration, error) {
	if len(s) == 0 || s[len(s)-1] != 's' {
		return 0, fmt.Errorf("httpengine: unrecognized retryDelay %q", s)
	}
	var seconds float64
	if _, err := fmt.Sscanf(s[:len(s)-1], "%g", &seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// sleepBackoff waits the delay selected by the Retry-After/body-delay/exponential precedence,
// returning the caller's cancellation error immediately if it fires first.
func sleepBackoff(ctx context.Context, retryAfter, retryDelay *time.Duration, attempt int) error {
	base := selectBase(retryAfter, retryDelay, attempt)
	delay := addJitter(base)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("httpengine: caller canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func selectBase(retryAfter, retryDelay *time.Duration, attempt int) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	if retryDelay != nil {
		return *retryDelay
	}
	exp := float64(InitialBackoff) * math.Pow(2, float64(attempt-1))
	return time.Duration(exp)
}

// addJitter adds a uniform(10%,30%) multiplier of base, floored at InitialBackoff.
func addJitter(base time.Duration) time.Duration {
	jitterFrac := 0.10 + 0.20*randomFraction()
	delay := base + time.Duration(float64(base)*jitterFrac)
	if delay < InitialBackoff {
		return InitialBackoff
	}
	return delay
}

// randomFraction returns a uniform value in [0,1) sourced from crypto/rand so the backoff
// jitter doesn't depend on a seeded math/rand global.
func randomFraction() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// ParseRetryAfter interprets an HTTP Retry-After header value as either an integer number of
// seconds or an HTTP-date, per RFC 7231.
func ParseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
