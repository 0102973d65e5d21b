package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type attemptLog struct {
	mu      sync.Mutex
	results []string
}

func (a *attemptLog) observe(_, result string) {
	a.mu.Lock()
	a.results = append(a.results, result)
	a.mu.Unlock()
}

func testMessage() Message {
	return Message{
		SessionID: "s-1",
		SubjectID: "C-1",
		Target:    "5550102000",
		Code:      "123456",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
}

func TestWebhookRelayRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	log := &attemptLog{}
	relay, err := NewWebhookRelay(WebhookConfig{URL: srv.URL, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}, log.observe)
	require.NoError(t, err)

	require.NoError(t, relay.Deliver(context.Background(), testMessage()))
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []string{"retry", "retry", "ok"}, log.results)
	require.Equal(t, "5550102000", got.To)
	require.Contains(t, got.Body, "123456")
}

func TestWebhookRelayPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	relay, err := NewWebhookRelay(WebhookConfig{URL: srv.URL}, nil)
	require.NoError(t, err)
	err = relay.Deliver(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrUndeliverable)
	require.Equal(t, int32(1), calls.Load())
}

func TestWebhookRelayExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	relay, err := NewWebhookRelay(WebhookConfig{URL: srv.URL, MaxAttempts: 2, BackoffBase: time.Millisecond}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, relay.Deliver(context.Background(), testMessage()), ErrRelayExhausted)
}

func TestThrottledPerSubject(t *testing.T) {
	mem := NewMemoryRelay()
	log := &attemptLog{}
	th := NewThrottled(mem, 2, log.observe)
	ctx := context.Background()

	msg := testMessage()
	require.NoError(t, th.Deliver(ctx, msg))
	require.NoError(t, th.Deliver(ctx, msg))
	require.ErrorIs(t, th.Deliver(ctx, msg), ErrRateLimited)

	other := msg
	other.SubjectID = "C-2"
	require.NoError(t, th.Deliver(ctx, other))
	require.Equal(t, 3, mem.Count())
	require.Equal(t, []string{"rate_limited"}, log.results)
}

func TestMemoryRelayLastAndFailure(t *testing.T) {
	mem := NewMemoryRelay()
	ctx := context.Background()
	require.ErrorIs(t, mem.Deliver(ctx, Message{SessionID: "s"}), ErrNoTarget)

	require.NoError(t, mem.Deliver(ctx, testMessage()))
	last, ok := mem.Last("s-1")
	require.True(t, ok)
	require.Equal(t, "123456", last.Code)

	mem.FailWith(ErrUndeliverable)
	require.ErrorIs(t, mem.Deliver(ctx, testMessage()), ErrUndeliverable)
}

func TestMaskTarget(t *testing.T) {
	require.Equal(t, "******2000", MaskTarget("5550102000"))
	require.Equal(t, "***", MaskTarget("abc"))
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
	if IsRetryableHTTPStatus(400) || !IsRetryableHTTPStatus(503) {
		t.Fatalf("unexpected retry classification")
	}
}
