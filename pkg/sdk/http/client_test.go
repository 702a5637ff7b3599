package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
)

// failingServer 始终返回 502，并按方法计数
func failingServer(t *testing.T) (*httptest.Server, func(method string) int) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.Method]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_gateway","message":"upstream down"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func(method string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[method]
	}
}

func TestDoRequest_WritesAreNeverRetried(t *testing.T) {
	srv, calls := failingServer(t)
	cfg := config.Default().API
	require.Positive(t, cfg.RetryCount)

	c := NewClient(srv.URL, Options{
		Timeout:    cfg.Timeout,
		RetryCount: cfg.RetryCount,
		RetryWait:  cfg.RetryWait,
		Log:        logger.Discard(),
	})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		resp, err := c.DoRequest(context.Background(), method, "/accounts/5WT00000/orders", &RequestOptions{
			Data: map[string]any{"order-type": "Limit"},
		})
		require.NoError(t, err, method)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode(), method)
		assert.Equal(t, 1, calls(method), "%s must be sent once", method)
	}
}

func TestDoRequest_ReadsAreRetried(t *testing.T) {
	srv, calls := failingServer(t)
	c := NewClient(srv.URL, Options{RetryCount: 3, RetryWait: time.Millisecond, Log: logger.Discard()})

	resp, err := c.DoRequest(context.Background(), http.MethodGet, "/accounts/5WT00000/orders/live", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode())
	assert.Equal(t, 4, calls(http.MethodGet))
}

func TestDoRequest_QueryAndAuth(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", Options{Log: logger.Discard()})
	assert.Equal(t, srv.URL, c.Host())

	_, err := c.DoRequest(context.Background(), http.MethodGet, "/orders", &RequestOptions{
		Token:  "tok",
		Params: map[string]any{"symbol": "SPY", "per-page": 200, "empty": "", "skip": nil},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Header.Get("Authorization"))
	assert.Equal(t, "SPY", got.URL.Query().Get("symbol"))
	assert.Equal(t, "200", got.URL.Query().Get("per-page"))
	assert.NotContains(t, got.URL.Query(), "empty")
	assert.NotContains(t, got.URL.Query(), "skip")

	_, err = c.DoRequest(context.Background(), "PATCH", "/orders", nil)
	assert.Error(t, err)
}
