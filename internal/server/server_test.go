package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/subchain/internal/analytics/domain"
	"github.com/smallbiznis/subchain/internal/auth"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/observability"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBilling struct {
	billingdomain.Service

	lastTransition billingdomain.TransitionSubscriberRequest
	lastUpdate     billingdomain.UpdateSubscriberRequest
	err            error
}

func (s *stubBilling) UpdateSubscriber(_ context.Context, id string, req billingdomain.UpdateSubscriberRequest) (billingdomain.Subscriber, error) {
	s.lastUpdate = req
	if s.err != nil {
		return billingdomain.Subscriber{}, s.err
	}
	parsed, _ := snowflake.ParseString(id)
	sub := billingdomain.Subscriber{ID: parsed}
	if req.Email != nil {
		sub.Email = *req.Email
	}
	return sub, nil
}

func (s *stubBilling) GetPlan(ctx context.Context, id string) (billingdomain.Plan, error) {
	if s.err != nil {
		return billingdomain.Plan{}, s.err
	}
	owner, _ := ownercontext.OwnerIDFromContext(ctx)
	parsed, _ := snowflake.ParseString(id)
	return billingdomain.Plan{ID: parsed, OwnerID: owner, Name: "Pro"}, nil
}

func (s *stubBilling) TransitionSubscriber(_ context.Context, req billingdomain.TransitionSubscriberRequest) (billingdomain.Subscriber, error) {
	s.lastTransition = req
	if s.err != nil {
		return billingdomain.Subscriber{}, s.err
	}
	return billingdomain.Subscriber{Status: req.Target}, nil
}

type stubPayments struct {
	paymentdomain.Service

	last paymentdomain.RecordPaymentRequest
}

func (s *stubPayments) RecordPayment(_ context.Context, req paymentdomain.RecordPaymentRequest) (paymentdomain.Payment, error) {
	s.last = req
	return paymentdomain.Payment{Status: paymentdomain.PaymentStatusCompleted, IdempotencyKey: req.IdempotencyKey}, nil
}

func (s *stubPayments) RenderReceipt(context.Context, string) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

type stubAnalytics struct {
	last analyticsdomain.OverviewRequest
}

func (s *stubAnalytics) Overview(_ context.Context, req analyticsdomain.OverviewRequest) (analyticsdomain.Overview, error) {
	s.last = req
	return analyticsdomain.Overview{MRR: decimal.RequireFromString("29.99")}, nil
}

type stubWebhooks struct {
	webhookdomain.Service
}

type testServer struct {
	srv       *Server
	token     string
	billing   *stubBilling
	payments  *stubPayments
	analytics *stubAnalytics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewVerifier(config.Config{AuthJWTSecret: "test-secret"}, clock.SystemClock{})
	require.NoError(t, err)
	token, err := verifier.Sign(snowflake.ID(42), time.Hour)
	require.NoError(t, err)

	ts := &testServer{
		token:     token,
		billing:   &stubBilling{},
		payments:  &stubPayments{},
		analytics: &stubAnalytics{},
	}
	ts.srv = NewServer(ServerParams{
		Gin:          NewEngine(observability.Config{}),
		Cfg:          config.Config{},
		Log:          zap.NewNop(),
		Verifier:     verifier,
		BillingSvc:   ts.billing,
		PaymentSvc:   ts.payments,
		AnalyticsSvc: ts.analytics,
		WebhookSvc:   &stubWebhooks{},
	})
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/plans/1", nil)
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestGetPlanScopesToTokenOwner(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/plans/1001", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data billingdomain.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, snowflake.ID(1001), resp.Data.ID)
	assert.Equal(t, snowflake.ID(42), resp.Data.OwnerID)
}

func TestInvalidPathIDIsRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/plans/not-an-id", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "invalid_id", payload.Errors[0].Code)
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)

	ts.billing.err = billingdomain.ErrPlanNotFound
	rec := ts.do(http.MethodGet, "/api/plans/1001", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.billing.err = billingdomain.ErrInvalidTransition
	rec = ts.do(http.MethodPost, "/api/subscribers/2002/pause", `{"reason":"vacation"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, billingdomain.SubscriberStatusPaused, ts.billing.lastTransition.Target)
	assert.Equal(t, "vacation", ts.billing.lastTransition.Reason)
}

func TestResumeWithoutBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/subscribers/2002/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billingdomain.SubscriberStatusActive, ts.billing.lastTransition.Target)
	assert.Equal(t, "2002", ts.billing.lastTransition.ID)
}

func TestUpdateSubscriberProfile(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPatch, "/api/subscribers/2002", `{"email":"ops@example.com","metadata":{"tier":"gold"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data billingdomain.Subscriber `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, snowflake.ID(2002), resp.Data.ID)
	assert.Equal(t, "ops@example.com", resp.Data.Email)
	assert.Equal(t, "gold", ts.billing.lastUpdate.Metadata["tier"])

	ts.billing.err = billingdomain.ErrImmutableField
	rec = ts.do(http.MethodPatch, "/api/subscribers/2002", `{"plan_id":"1001"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, ts.billing.lastUpdate.PlanID)
	assert.Equal(t, "1001", *ts.billing.lastUpdate.PlanID)
}

func TestRecordPaymentPrefersIdempotencyHeader(t *testing.T) {
	ts := newTestServer(t)
	body := `{"subscriber_id":"2002","amount":"29.99","currency":"USDC","transaction_hash":"0xabc","idempotency_key":"body-key"}`
	rec := ts.do(http.MethodPost, "/api/payments", body, map[string]string{HeaderIdempotencyKey: "header-key"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "header-key", ts.payments.last.IdempotencyKey)
	assert.True(t, ts.payments.last.Amount.Equal(decimal.RequireFromString("29.99")))
	assert.Equal(t, "0xabc", ts.payments.last.TransactionHash)
}

func TestReceiptIsServedAsPDF(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/payments/3003/receipt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))
}

func TestAnalyticsWindowParameter(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/analytics/overview?window_days=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7*24*time.Hour, ts.analytics.last.Window)

	rec = ts.do(http.MethodGet, "/api/analytics/overview?window_days=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsPeriodParameter(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/analytics/overview?period=90d", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90*24*time.Hour, ts.analytics.last.Window)

	rec = ts.do(http.MethodGet, "/api/analytics/overview?period=quarter", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/analytics/overview?period=7d&window_days=7", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
