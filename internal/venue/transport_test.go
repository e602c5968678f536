package venue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransport(t *testing.T, baseURL string) *Transport {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewTransport(TransportConfig{
		BaseURL:        baseURL,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BreakerName:    t.Name(),
	}, nil, l.WithField("component", "transport"))
}

func TestTransportRetriesTransient5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	tr := testTransport(t, srv.URL)
	require.NoError(t, tr.Get(context.Background(), "/x", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransportClientErrorIsImmediate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad lot size"}`))
	}))
	defer srv.Close()

	tr := testTransport(t, srv.URL)
	err := tr.Get(context.Background(), "/order", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := testTransport(t, srv.URL)

	// Two failing calls push the rolling counts past the trip point.
	require.Error(t, tr.Get(context.Background(), "/a", nil, nil))
	require.Error(t, tr.Get(context.Background(), "/a", nil, nil))
	seen := calls.Load()

	err := tr.Get(context.Background(), "/a", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, seen, calls.Load(), "open breaker short-circuits before the venue")
}
