package attestation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gousdcbridge/metrics"
	"gousdcbridge/retry"
)

const hash = "0x4d3c0b1f6a2e0e3b5f2a9d8c7b6a5f4e3d2c1b0a99887766554433221100ffee"

func newServer(t *testing.T, handler func(call int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		handler(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func complete(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"complete","attestation":"0xdeadbeef"}`))
}

func TestFetchAlwaysNotReady(t *testing.T) {
	srv, calls := newServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	f := NewFetcher(srv.URL, time.Second, metrics.New(prometheus.NewRegistry()))

	_, err := f.Fetch(context.Background(), hash, 3, 10*time.Millisecond, 5*time.Second)

	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestFetchSucceedsOnFourthCall(t *testing.T) {
	srv, calls := newServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n < 4 {
			_, _ = w.Write([]byte(`{"status":"pending_confirmations","attestation":"PENDING"}`))
			return
		}
		complete(w)
	})
	f := NewFetcher(srv.URL, time.Second, nil)

	proof, err := f.Fetch(context.Background(), hash, 5, 10*time.Millisecond, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", proof.Attestation)
	assert.Equal(t, hash, proof.MessageHash)
	assert.Equal(t, 4, proof.Attempts)
	assert.EqualValues(t, 4, atomic.LoadInt32(calls))
}

func TestFetchRequestPath(t *testing.T) {
	srv, _ := newServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/attestations/"+hash {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		complete(w)
	})
	f := NewFetcher(srv.URL+"/", time.Second, nil)

	_, err := f.Fetch(context.Background(), hash, 1, 0, time.Second)
	require.NoError(t, err)
}

func TestFetchRateLimitedThenComplete(t *testing.T) {
	srv, calls := newServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			complete(w)
		}
	})
	f := NewFetcher(srv.URL, time.Second, nil)

	_, err := f.Fetch(context.Background(), hash, 3, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestFetchTransientOnLastAttempt(t *testing.T) {
	srv, _ := newServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	f := NewFetcher(srv.URL, time.Second, nil)

	_, err := f.Fetch(context.Background(), hash, 2, 5*time.Millisecond, 5*time.Second)
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "last error: attestation service: 503")
}

func TestFetchFatalStopsImmediately(t *testing.T) {
	for name, handler := range map[string]func(int32, http.ResponseWriter, *http.Request){
		"unauthorized": func(_ int32, w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"bad request": func(_ int32, w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
		"garbage body": func(_ int32, w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			srv, calls := newServer(t, handler)
			f := NewFetcher(srv.URL, time.Second, nil)

			_, err := f.Fetch(context.Background(), hash, 5, 5*time.Millisecond, 5*time.Second)
			require.Error(t, err)
			assert.Equal(t, retry.KindFatal, retry.KindOf(err))
			assert.NotContains(t, err.Error(), "attempts")
			assert.EqualValues(t, 1, atomic.LoadInt32(calls))
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	srv, calls := newServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	f := NewFetcher(srv.URL, time.Second, nil)

	_, err := f.Fetch(context.Background(), hash, 100, 20*time.Millisecond, 70*time.Millisecond)
	require.Error(t, err)
	assert.True(t, retry.IsTimeout(err))
	assert.Less(t, atomic.LoadInt32(calls), int32(100))
}

func TestFetchInvalidAttemptsCoerced(t *testing.T) {
	srv, calls := newServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	f := NewFetcher(srv.URL, time.Second, nil)

	_, err := f.Fetch(context.Background(), hash, -2, time.Millisecond, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}
