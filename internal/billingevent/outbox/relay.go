package outbox

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const relayBatchSize = 100

type RelayParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Outbox     *Outbox
	Webhooks   webhookdomain.Repository
	Dispatcher webhookdomain.Dispatcher
	Metrics    *metrics.BillingMetrics `optional:"true"`
	Events     *metrics.Metrics        `optional:"true"`
}

// Relay moves unpublished billing events to the webhook dispatcher. Each row
// is claimed and fanned out in one transaction, so a row is enqueued at most
// once even with several relays running.
type Relay struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	outbox     *Outbox
	webhooks   webhookdomain.Repository
	dispatcher webhookdomain.Dispatcher
	metrics    *metrics.BillingMetrics
	events     *metrics.Metrics

	mu sync.Mutex
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		db:         p.DB,
		log:        p.Log.Named("billing.event.relay"),
		clock:      p.Clock,
		outbox:     p.Outbox,
		webhooks:   p.Webhooks,
		dispatcher: p.Dispatcher,
		metrics:    p.Metrics,
		events:     p.Events,
	}
}

// Run relays whenever the outbox is nudged, until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.outbox.Wake():
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce relays up to one batch and reports how many rows it published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []domain.BillingEvent
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id").
		Limit(relayBatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, db.Classify(err)
	}

	published := 0
	for _, row := range rows {
		ok, err := r.relay(ctx, row)
		if err != nil {
			return published, err
		}
		if ok {
			published++
		}
	}
	r.metrics.AddOutboxRelayed(published)
	if len(rows) == relayBatchSize {
		r.outbox.Notify()
	}
	return published, nil
}

func (r *Relay) relay(ctx context.Context, row domain.BillingEvent) (bool, error) {
	var (
		claimed bool
		events  []webhookdomain.WebhookEvent
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE billing_events SET published = ?, published_at = ? WHERE id = ? AND published = ?`,
			true,
			r.clock.Now(),
			row.ID,
			false,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		claimed = true

		webhooks, err := r.webhooks.ListOwnerWebhooks(ctx, tx, row.OwnerID)
		if err != nil {
			return err
		}
		intake := webhookdomain.Intake{
			OwnerID:   row.OwnerID,
			EventType: row.EventType,
			Data:      json.RawMessage(row.Payload),
		}
		for _, webhook := range webhooks {
			if webhook.Subscribes(row.EventType) {
				intake.WebhookIDs = append(intake.WebhookIDs, webhook.ID)
			}
		}
		events, err = r.dispatcher.EnqueueTx(ctx, tx, intake)
		return err
	})
	if err != nil {
		return false, db.Classify(err)
	}
	if claimed {
		r.events.RecordEventPublished(ctx, row.EventType)
	}
	if len(events) > 0 {
		r.dispatcher.Arm(events...)
		r.log.Debug("billing event relayed",
			zap.String("event_type", row.EventType),
			zap.Int("deliveries", len(events)),
		)
	}
	return claimed, nil
}
