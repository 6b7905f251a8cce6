package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const userAgent = "subchain-webhooks/1.0"

// Request is one signed delivery attempt.
type Request struct {
	URL        string
	EventType  string
	DeliveryID string
	Timestamp  int64
	Signature  string
	Body       []byte
}

type Response struct {
	StatusCode int
	Body       string
}

type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint responded %d", e.StatusCode)
}

type BreakerSettings struct {
	// Consecutive failures that open a host's breaker.
	FailureThreshold uint32
	// How long an open breaker rejects calls before probing.
	OpenTimeout time.Duration
	// Trial requests allowed while half-open.
	HalfOpenRequests uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// HTTPTransport posts deliveries, with one circuit breaker per host.
type HTTPTransport struct {
	client   *http.Client
	log      *zap.Logger
	metrics  *metrics.BillingMetrics
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Response]
}

func NewHTTPTransport(client *http.Client, settings BreakerSettings, log *zap.Logger, m *metrics.BillingMetrics) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPTransport{
		client:   client,
		log:      log.Named("webhook.transport"),
		metrics:  m,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker[Response]),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		return Response{}, err
	}
	return t.breaker(host).Execute(func() (Response, error) {
		return t.post(ctx, req)
	})
}

func (t *HTTPTransport) post(ctx context.Context, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderSignature, req.Signature)
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(req.Timestamp, 10))
	httpReq.Header.Set(HeaderEvent, req.EventType)
	httpReq.Header.Set(HeaderDelivery, req.DeliveryID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	out := Response{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{StatusCode: resp.StatusCode}
	}
	return out, nil
}

func (t *HTTPTransport) breaker(host string) *gobreaker.CircuitBreaker[Response] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}
	threshold := t.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: t.settings.HalfOpenRequests,
		Timeout:     t.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 4xx means the host is up; only transport errors and 5xx trip.
		IsSuccessful: func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Info("webhook circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			t.metrics.IncBreakerChange(to.String())
		},
	})
	t.breakers[host] = cb
	return cb
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("webhook url %q has no host", raw)
	}
	return strings.ToLower(u.Host), nil
}
