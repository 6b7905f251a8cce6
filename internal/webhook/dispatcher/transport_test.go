package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client(), BreakerSettings{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}, zap.NewNop(), nil)
	req := Request{URL: server.URL, Body: []byte(`{}`)}

	for i := 0; i < 2; i++ {
		resp, err := transport.Send(context.Background(), req)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	_, err := transport.Send(context.Background(), req)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client(), BreakerSettings{FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenRequests: 1}, zap.NewNop(), nil)
	for i := 0; i < 3; i++ {
		resp, err := transport.Send(context.Background(), Request{URL: server.URL, Body: []byte(`{}`)})
		require.Error(t, err)
		assert.Len(t, resp.Body, 1024)
	}
	assert.Equal(t, int32(3), hits.Load())
}
