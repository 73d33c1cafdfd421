package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(time.Second)
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		resp, err := client.Get(srv.URL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return CheckResponse(resp)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRetryGivesUpOnClientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return &StatusError{StatusCode: http.StatusBadRequest, URL: "http://callback"}
	})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsRetriable(&StatusError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsRetriable(&StatusError{StatusCode: http.StatusNotFound}))
	assert.True(t, IsRetriable(context.DeadlineExceeded))
	assert.False(t, IsRetriable(errors.New("bad payload")))
}

func TestNewAuthenticatedWithoutCredentials(t *testing.T) {
	client := NewAuthenticated(context.Background(), 2*time.Second, ClientCredentials{})
	assert.Equal(t, 2*time.Second, client.Timeout)
	_, isTransport := client.Transport.(*http.Transport)
	assert.True(t, isTransport)
}
