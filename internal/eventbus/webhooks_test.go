package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedHook struct {
	header  http.Header
	body    []byte
	payload WebhookPayload
}

func hookServer(t *testing.T, failFirst int32) (*httptest.Server, func() []receivedHook) {
	t.Helper()
	var (
		mu    sync.Mutex
		got   []receivedHook
		calls atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p WebhookPayload
		assert.NoError(t, json.Unmarshal(body, &p))
		mu.Lock()
		got = append(got, receivedHook{header: r.Header.Clone(), body: body, payload: p})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []receivedHook {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedHook(nil), got...)
	}
}

func TestWebhookForwarder_SignsAndFilters(t *testing.T) {
	srv, received := hookServer(t, 0)
	bus := NewMemoryBus(16)
	defer bus.Close()

	wf := NewWebhookForwarder(bus, []Webhook{{
		Name:   "alerts",
		URL:    srv.URL,
		Secret: "s3cret",
		Events: []string{WorldCrashed},
	}})
	require.NoError(t, wf.Start())
	defer wf.Stop()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldStarted, "w1")))
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldCrashed, "w1")))

	require.Eventually(t, func() bool { return len(received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	h := received()[0]
	assert.Equal(t, WorldCrashed, h.header.Get(HeaderEventType))
	assert.Equal(t, Sign(h.body, "s3cret"), h.header.Get(HeaderSignature))
	require.NotNil(t, h.payload.World)
	assert.Equal(t, "w1", h.payload.World.WorldID)
	assert.Equal(t, "run-1", h.payload.RunID)

	assert.Never(t, func() bool { return len(received()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, uint64(1), wf.Stats().Delivered)
}

func TestWebhookForwarder_Retries(t *testing.T) {
	srv, received := hookServer(t, 2)
	bus := NewMemoryBus(16)
	defer bus.Close()

	wf := NewWebhookForwarder(bus, []Webhook{{URL: srv.URL, RetryCount: 2}})
	wf.retryDelay = time.Millisecond
	require.NoError(t, wf.Start())
	defer wf.Stop()

	require.NoError(t, bus.Publish(context.Background(), envelope(t, WorldStopped, "w2")))
	require.Eventually(t, func() bool { return len(received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, received()[0].header.Get(HeaderSignature))
	assert.Equal(t, WebhookStats{Delivered: 1}, wf.Stats())
}

func TestWebhookForwarder_GivesUp(t *testing.T) {
	srv, _ := hookServer(t, 100)
	bus := NewMemoryBus(16)
	defer bus.Close()

	wf := NewWebhookForwarder(bus, []Webhook{{URL: srv.URL, RetryCount: 1, Events: []string{"*"}}})
	wf.retryDelay = time.Millisecond
	require.NoError(t, wf.Start())
	defer wf.Stop()

	require.NoError(t, bus.Publish(context.Background(), envelope(t, WorldDeleted, "w3")))
	require.Eventually(t, func() bool { return wf.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, wf.Stats().Delivered)
}

func TestSign(t *testing.T) {
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign([]byte("The quick brown fox jumps over the lazy dog"), "key"))
	assert.True(t, Verify([]byte("body"), "key", Sign([]byte("body"), "key")))
	assert.False(t, Verify([]byte("body2"), "key", Sign([]byte("body"), "key")))
	assert.False(t, Verify([]byte("body"), "key", ""))
}
