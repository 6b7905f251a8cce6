package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/webhook/dispatcher"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, dispatcher.Request) (dispatcher.Response, error) {
	return dispatcher.Response{StatusCode: 204}, nil
}

func TestRelayFansOutToSubscribedWebhooks(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.BillingEvent{}, &webhookdomain.Webhook{}, &webhookdomain.WebhookEvent{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	d := dispatcher.New(dispatcher.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Repo:      repo,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Transport: nopTransport{},
	})
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	owner := node.Generate()
	hook := func(events string) webhookdomain.Webhook {
		w := webhookdomain.Webhook{
			ID:        node.Generate(),
			OwnerID:   owner,
			URL:       "https://example.test/hook",
			Events:    datatypes.JSON(events),
			Secret:    "s",
			IsActive:  true,
			CreatedAt: fake.Now(),
			UpdatedAt: fake.Now(),
		}
		require.NoError(t, repo.InsertWebhook(context.Background(), db, &w))
		return w
	}
	exact := hook(`["payment.completed"]`)
	wildcard := hook(`["*"]`)
	hook(`["plan.created"]`)

	ob := New(Params{GenID: node, Clock: fake})
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return ob.Publish(context.Background(), tx, domain.Event{
			OwnerID:   owner,
			Type:      domain.EventPaymentCompleted,
			Data:      map[string]string{"payment_id": "1"},
			DedupeKey: "payment.completed:1",
		})
	}))

	relay := NewRelay(RelayParams{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Outbox:     ob,
		Webhooks:   repo,
		Dispatcher: d,
	})

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var events []webhookdomain.WebhookEvent
	require.NoError(t, db.Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	got := map[snowflake.ID]bool{}
	for _, e := range events {
		got[e.WebhookID] = true
		assert.Equal(t, domain.EventPaymentCompleted, e.EventType)
		assert.Contains(t, string(e.Payload), `"payment_id":"1"`)
	}
	assert.True(t, got[exact.ID])
	assert.True(t, got[wildcard.ID])

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var row domain.BillingEvent
	require.NoError(t, db.First(&row).Error)
	assert.True(t, row.Published)
	assert.NotNil(t, row.PublishedAt)
}

func TestPublishRejectsDuplicateDedupeKey(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.BillingEvent{}))
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	ob := New(Params{GenID: node, Clock: clock.NewFakeClock(time.Now())})

	event := domain.Event{OwnerID: node.Generate(), Type: domain.EventPlanCreated, Data: map[string]any{}, DedupeKey: "k"}
	require.NoError(t, ob.Publish(context.Background(), db, event))
	assert.Error(t, ob.Publish(context.Background(), db, event))

	assert.ErrorIs(t, ob.Publish(context.Background(), db, domain.Event{Type: "x"}), ErrInvalidEvent)

	ob.Notify()
	ob.Notify()
	select {
	case <-ob.Wake():
	default:
		t.Fatal("expected a wake signal")
	}
	select {
	case <-ob.Wake():
		t.Fatal("signals should coalesce")
	default:
	}
}
