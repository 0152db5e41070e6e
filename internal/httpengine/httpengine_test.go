package httpengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSuccessFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
	assert.EqualValues(t, 1, calls)
	_ = resp.Body.Close()
}

func TestSendRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"details":[]}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls)
	_ = resp.Body.Close()
}

func TestSendExhaustsRetriesOnPersistent500(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"details":[]}}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.EqualValues(t, MaxRetries+1, calls)
	_ = resp.Body.Close()
}

func TestSendConnectTimeoutTriggersRetryNotCallerError(t *testing.T) {
	oldTimeout := ConnectTimeout
	ConnectTimeout = 100 * time.Millisecond
	defer func() { ConnectTimeout = oldTimeout }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Hold headers past the connect timer on the first attempt only.
			time.Sleep(400 * time.Millisecond)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls)
	_ = resp.Body.Close()
}

func TestSendDailyQuotaShortCircuits(t *testing.T) {
	var calls int32
	body := `{"error":{"details":[{"metadata":{"quotaId":"GenerateRequestsPerDayPerProjectPerModel"}}]}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.EqualValues(t, 1, calls)

	got, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, body, string(got))
}

func TestSendDoesNotRetryStreamingRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"details":[]}}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`), Stream: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.EqualValues(t, 1, calls)
}

func TestSendDoesNotRetryNonRetryableStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer server.Close()

	resp, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 1, calls)
}

func TestSendHonorsCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"details":[]}}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Send(ctx, Request{URL: server.URL, Body: []byte(`{}`)})
	require.Error(t, err)
}

func TestSendAppliesHeadersIncludingExplicitRemoval(t *testing.T) {
	var seenAuth, seenCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	custom := "value"
	_, err := Send(context.Background(), Request{
		URL:  server.URL,
		Body: []byte(`{}`),
		Config: Config{
			Headers: map[string]*string{
				"Authorization": nil,
				"X-Custom":      &custom,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "", seenAuth)
	assert.Equal(t, "value", seenCustom)
}

func TestParseRetryDelay(t *testing.T) {
	d, err := parseRetryDelay("4s")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, d)

	d, err = parseRetryDelay("1.5s")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = parseRetryDelay("4")
	assert.Error(t, err)
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d, ok := ParseRetryAfter("2")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestParseRetryAfterInvalid(t *testing.T) {
	_, ok := ParseRetryAfter("")
	assert.False(t, ok)
}

func TestSendRespectsRetryDelayFromBody(t *testing.T) {
	var calls int32
	var firstCallAt, secondCallAt time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			firstCallAt = time.Now()
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"details":[{"retryDelay":"1s"}]}}`))
			return
		}
		secondCallAt = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secondCallAt.Sub(firstCallAt), 1*time.Second)
}
