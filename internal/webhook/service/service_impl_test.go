package service

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	"github.com/smallbiznis/subchain/internal/webhook/dispatcher"
	"github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type failingTransport struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *failingTransport) Send(context.Context, dispatcher.Request) (dispatcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return dispatcher.Response{StatusCode: http.StatusInternalServerError}, &dispatcher.StatusError{StatusCode: http.StatusInternalServerError}
	}
	return dispatcher.Response{StatusCode: http.StatusOK}, nil
}

func (f *failingTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *failingTransport) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

type testEnv struct {
	db         *gorm.DB
	svc        domain.Service
	dispatcher *dispatcher.Dispatcher
	repo       domain.Repository
	clock      *clock.FakeClock
	transport  *failingTransport
	ctx        context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Webhook{}, &domain.WebhookEvent{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	transport := &failingTransport{}

	d := dispatcher.New(dispatcher.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Repo:      repo,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Transport: transport,
	})
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		Repo:       repo,
		Dispatcher: d,
	})
	return &testEnv{
		db:         db,
		svc:        svc,
		dispatcher: d,
		repo:       repo,
		clock:      fake,
		transport:  transport,
		ctx:        ownercontext.WithOwnerID(context.Background(), node.Generate()),
	}
}

func (e *testEnv) create(t *testing.T, events ...string) domain.WebhookWithSecret {
	t.Helper()
	created, err := e.svc.CreateWebhook(e.ctx, domain.CreateWebhookRequest{
		URL:    "https://hooks.example.test/subchain",
		Events: events,
	})
	require.NoError(t, err)
	return created
}

// exhaust runs attempts until the event leaves pending.
func (e *testEnv) exhaust(t *testing.T, eventID snowflake.ID) domain.WebhookEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		e.clock.Advance(2 * time.Hour)
		_, err := e.dispatcher.Attempt(context.Background(), eventID)
		require.NoError(t, err)
		event, err := e.repo.FindEvent(context.Background(), e.db, eventID)
		require.NoError(t, err)
		if event.Status != domain.EventStatusPending {
			return *event
		}
	}
	t.Fatal("event still pending")
	return domain.WebhookEvent{}
}

func TestCreateWebhook(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "payment.completed", "payment.completed", "subscriber.cancelled")

	raw, err := base64.RawURLEncoding.DecodeString(created.Secret)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.True(t, created.IsActive)
	assert.Equal(t, []string{"payment.completed", "subscriber.cancelled"}, created.EventTypes())

	got, err := env.svc.GetWebhook(env.ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, created.Secret, got.Secret)
	assert.True(t, got.Subscribes("payment.completed"))
	assert.False(t, got.Subscribes("plan.created"))
}

func TestCreateWebhookValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  domain.CreateWebhookRequest
		want error
	}{
		{"missing url", domain.CreateWebhookRequest{Events: []string{"*"}}, domain.ErrInvalidURL},
		{"bad scheme", domain.CreateWebhookRequest{URL: "ftp://example.test", Events: []string{"*"}}, domain.ErrInvalidURL},
		{"no events", domain.CreateWebhookRequest{URL: "https://example.test"}, domain.ErrInvalidEvents},
		{"unknown event", domain.CreateWebhookRequest{URL: "https://example.test", Events: []string{"invoice.paid"}}, domain.ErrInvalidEvents},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateWebhook(env.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	_, err := env.svc.CreateWebhook(context.Background(), domain.CreateWebhookRequest{URL: "https://example.test", Events: []string{"*"}})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestWebhooksAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")

	other := ownercontext.WithOwnerID(context.Background(), snowflake.ID(42))
	_, err := env.svc.GetWebhook(other, created.ID.String())
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
	assert.ErrorIs(t, env.svc.DeleteWebhook(other, created.ID.String()), domain.ErrWebhookNotFound)

	list, err := env.svc.ListWebhooks(other, domain.ListWebhookRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Webhooks)
}

func TestRedeliverFailedEvent(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")
	env.transport.setFail(true)

	event, err := env.svc.SendTest(env.ctx, created.ID.String())
	require.NoError(t, err)
	failed := env.exhaust(t, event.ID)
	assert.Equal(t, domain.EventStatusFailed, failed.Status)
	assert.Equal(t, 5, failed.Attempts)

	redelivered, err := env.svc.RedeliverEvent(env.ctx, event.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, redelivered.Status)
	assert.Equal(t, 0, redelivered.Attempts)
	assert.Equal(t, 1, redelivered.MaxAttempts)

	// The explicit retry gets exactly one attempt.
	final := env.exhaust(t, event.ID)
	assert.Equal(t, domain.EventStatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)

	env.transport.setFail(false)
	_, err = env.svc.RedeliverEvent(env.ctx, event.ID.String())
	require.NoError(t, err)
	delivered := env.exhaust(t, event.ID)
	assert.Equal(t, domain.EventStatusDelivered, delivered.Status)

	// Delivered events may be redelivered too.
	_, err = env.svc.RedeliverEvent(env.ctx, event.ID.String())
	assert.NoError(t, err)
}

func TestRedeliverRejectsPendingAndInactive(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")

	event, err := env.svc.SendTest(env.ctx, created.ID.String())
	require.NoError(t, err)
	_, err = env.svc.RedeliverEvent(env.ctx, event.ID.String())
	assert.ErrorIs(t, err, domain.ErrEventNotFinished)

	env.transport.setFail(true)
	env.exhaust(t, event.ID)
	_, err = env.svc.SetWebhookActive(env.ctx, created.ID.String(), false)
	require.NoError(t, err)

	_, err = env.svc.RedeliverEvent(env.ctx, event.ID.String())
	assert.ErrorIs(t, err, domain.ErrWebhookInactive)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	_, err = env.svc.RedeliverEvent(env.ctx, "123")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestReactivationResetsFailuresAndResumesPending(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")
	env.transport.setFail(true)

	event, err := env.svc.SendTest(env.ctx, created.ID.String())
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.dispatcher.Attempt(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.dispatcher.PendingTimers(created.ID))

	deactivated, err := env.svc.SetWebhookActive(env.ctx, created.ID.String(), false)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.Equal(t, 1, deactivated.FailureCount)
	assert.Equal(t, 0, env.dispatcher.PendingTimers(created.ID))

	reactivated, err := env.svc.SetWebhookActive(env.ctx, created.ID.String(), true)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.Equal(t, 0, reactivated.FailureCount)
	assert.Equal(t, 1, env.dispatcher.PendingTimers(created.ID))
}

func TestEventsWaitWhileWebhookIsInactive(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")
	_, err := env.svc.SetWebhookActive(env.ctx, created.ID.String(), false)
	require.NoError(t, err)

	events, err := env.dispatcher.Enqueue(context.Background(), domain.Intake{
		OwnerID:    created.OwnerID,
		EventType:  "payment.completed",
		Data:       map[string]any{"amount": "10"},
		WebhookIDs: []snowflake.ID{created.ID},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	eventID := events[0].ID

	env.clock.Advance(time.Minute)
	outcome, err := env.dispatcher.Attempt(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.OutcomeCancelled, outcome)
	assert.Zero(t, env.transport.count())
	parked, err := env.repo.FindEvent(context.Background(), env.db, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, parked.Status)
	assert.Zero(t, parked.Attempts)

	reactivated, err := env.svc.SetWebhookActive(env.ctx, created.ID.String(), true)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)

	outcome, err = env.dispatcher.Attempt(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.OutcomeDelivered, outcome)
	assert.Equal(t, 1, env.transport.count())
	delivered, err := env.repo.FindEvent(context.Background(), env.db, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusDelivered, delivered.Status)
	assert.Equal(t, 1, delivered.Attempts)
}

func TestDeleteWebhookCancelsRetries(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")
	env.transport.setFail(true)

	event, err := env.svc.SendTest(env.ctx, created.ID.String())
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.dispatcher.Attempt(context.Background(), event.ID)
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteWebhook(env.ctx, created.ID.String()))
	assert.Equal(t, 0, env.dispatcher.PendingTimers(created.ID))

	_, err = env.svc.GetWebhook(env.ctx, created.ID.String())
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
	stored, err := env.repo.FindEvent(context.Background(), env.db, event.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestUpdateAndRotate(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")

	url := "https://other.example.test/hook"
	updated, err := env.svc.UpdateWebhook(env.ctx, created.ID.String(), domain.UpdateWebhookRequest{
		URL:    &url,
		Events: []string{"plan.created"},
	})
	require.NoError(t, err)
	assert.Equal(t, url, updated.URL)
	assert.Equal(t, []string{"plan.created"}, updated.EventTypes())

	rotated, err := env.svc.RotateSecret(env.ctx, created.ID.String())
	require.NoError(t, err)
	assert.NotEqual(t, created.Secret, rotated.Secret)

	got, err := env.svc.GetWebhook(env.ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, rotated.Secret, got.Secret)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "*")
	for i := 0; i < 3; i++ {
		_, err := env.svc.SendTest(env.ctx, created.ID.String())
		require.NoError(t, err)
	}

	page, err := env.svc.ListEvents(env.ctx, domain.ListEventRequest{WebhookID: created.ID.String()})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	assert.False(t, page.HasMore)

	page, err = env.svc.ListEvents(env.ctx, domain.ListEventRequest{WebhookID: created.ID.String(), Status: domain.EventStatusDelivered})
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	_, err = env.svc.ListEvents(env.ctx, domain.ListEventRequest{WebhookID: created.ID.String(), Status: "lost"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}
