package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/smallbiznis/subchain/internal/ratelimit"
	"github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeDelivered  Outcome = metrics.DeliveryOutcomeDelivered
	OutcomeRetry      Outcome = metrics.DeliveryOutcomeRetry
	OutcomeFailed     Outcome = metrics.DeliveryOutcomeFailed
	OutcomeCancelled  Outcome = metrics.DeliveryOutcomeCancelled
	OutcomeSuperseded Outcome = metrics.DeliveryOutcomeSuperseded
	OutcomeThrottled  Outcome = metrics.DeliveryOutcomeThrottled
)

const (
	jobQueueSize    = 1024
	recoverBatch    = 500
	minThrottleWait = time.Second
)

var (
	ErrInvalidIntake = errs.Validation("invalid_intake")

	errSuperseded = errors.New("webhook event attempt superseded")
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Policy    *config.PolicyHolder
	Transport Transport                `optional:"true"`
	Guard     *ratelimit.DeliveryGuard `optional:"true"`
	Metrics   *metrics.BillingMetrics  `optional:"true"`
}

// Dispatcher delivers webhook events. Attempts are scheduled with timers
// owned by per-webhook cancellation tokens and run on a bounded worker pool.
type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	policy    *config.PolicyHolder
	transport Transport
	guard     *ratelimit.DeliveryGuard
	metrics   *metrics.BillingMetrics

	tokens *tokenRegistry
	locks  *keyedMutex

	mu      sync.Mutex
	running bool
	jobs    chan job
	done    chan struct{}
	wg      sync.WaitGroup
}

type job struct {
	ctx     context.Context
	eventID snowflake.ID
}

func New(p Params) *Dispatcher {
	transport := p.Transport
	if transport == nil {
		transport = NewHTTPTransport(nil, DefaultBreakerSettings(), p.Log, p.Metrics)
	}
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("webhook.dispatcher"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		policy:    p.Policy,
		transport: transport,
		guard:     p.Guard,
		metrics:   p.Metrics,
		tokens:    newTokenRegistry(p.Clock),
		locks:     newKeyedMutex(),
	}
}

func Provide(d *Dispatcher) domain.Dispatcher { return d }

// Start launches the worker pool sized by the delivery policy.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	workers := d.policy.Get().Delivery.Workers
	if workers <= 0 {
		workers = 1
	}
	d.jobs = make(chan job, jobQueueSize)
	d.done = make(chan struct{})
	d.running = true
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work(d.jobs, d.done)
	}
	d.log.Info("webhook dispatcher started", zap.Int("workers", workers))
}

// Stop cancels every armed timer and waits for in-flight attempts.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.tokens.cancelAll()
		return nil
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()

	d.tokens.cancelAll()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(jobs <-chan job, done <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-done:
			return
		case j := <-jobs:
			if _, err := d.Attempt(j.ctx, j.eventID); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warn("webhook attempt failed",
					zap.String("event_id", j.eventID.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// submit hands a due event to the pool. Without a running pool the event
// stays pending and the recovery job picks it up.
func (d *Dispatcher) submit(j job) {
	d.mu.Lock()
	running, jobs, done := d.running, d.jobs, d.done
	d.mu.Unlock()
	if !running {
		return
	}
	select {
	case jobs <- j:
	case <-done:
	case <-j.ctx.Done():
	}
}

func (d *Dispatcher) Enqueue(ctx context.Context, intake domain.Intake) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		events, err = d.EnqueueTx(ctx, tx, intake)
		return err
	})
	if err != nil {
		return nil, db.Classify(err)
	}
	d.Arm(events...)
	return events, nil
}

func (d *Dispatcher) EnqueueTx(ctx context.Context, tx *gorm.DB, intake domain.Intake) ([]domain.WebhookEvent, error) {
	eventType := strings.TrimSpace(intake.EventType)
	if intake.OwnerID == 0 || eventType == "" {
		return nil, ErrInvalidIntake
	}
	if len(intake.WebhookIDs) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(intake.Data)
	if err != nil {
		return nil, errs.Wrap(ErrInvalidIntake, err)
	}
	now := d.clock.Now()
	payload, err := json.Marshal(domain.Envelope{EventType: eventType, Data: data, Timestamp: now})
	if err != nil {
		return nil, err
	}

	maxAttempts := max(d.policy.Get().Delivery.MaxAttempts, 1)
	events := make([]domain.WebhookEvent, 0, len(intake.WebhookIDs))
	for _, webhookID := range intake.WebhookIDs {
		webhook, err := d.repo.FindWebhookByID(ctx, tx, intake.OwnerID, webhookID)
		if err != nil {
			return nil, err
		}
		if webhook == nil {
			continue
		}
		next := now
		event := domain.WebhookEvent{
			ID:            d.genID.Generate(),
			WebhookID:     webhook.ID,
			OwnerID:       intake.OwnerID,
			EventType:     eventType,
			Payload:       datatypes.JSON(payload),
			Status:        domain.EventStatusPending,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: &next,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.repo.InsertEvent(ctx, tx, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Arm schedules the next attempt of each pending event.
func (d *Dispatcher) Arm(events ...domain.WebhookEvent) {
	now := d.clock.Now()
	for _, event := range events {
		if event.Status != domain.EventStatusPending {
			continue
		}
		delay := time.Duration(0)
		if event.NextAttemptAt != nil {
			delay = event.NextAttemptAt.Sub(now)
		}
		eventID := event.ID
		d.tokens.arm(event.WebhookID, eventID, delay, func(ctx context.Context) {
			d.submit(job{ctx: ctx, eventID: eventID})
		})
	}
	d.metrics.SetPendingTimers(d.tokens.pending())
}

func (d *Dispatcher) CancelWebhook(webhookID snowflake.ID) {
	stopped := d.tokens.cancel(webhookID)
	d.metrics.SetPendingTimers(d.tokens.pending())
	if stopped > 0 {
		d.log.Info("webhook timers cancelled",
			zap.String("webhook_id", webhookID.String()),
			zap.Int("timers", stopped),
		)
	}
}

func (d *Dispatcher) ResumeWebhook(ctx context.Context, webhookID snowflake.ID) error {
	events, err := d.repo.ListPendingForWebhook(ctx, d.db, webhookID)
	if err != nil {
		return db.Classify(err)
	}
	d.Arm(events...)
	return nil
}

// Recover re-arms pending events that are already due, for example after a
// restart lost the in-memory timers.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	events, err := d.repo.ListDueEvents(ctx, d.db, d.clock.Now(), recoverBatch)
	if err != nil {
		return 0, db.Classify(err)
	}
	d.Arm(events...)
	return len(events), nil
}

// PendingTimers reports how many attempts are armed for a webhook.
func (d *Dispatcher) PendingTimers(webhookID snowflake.ID) int {
	return d.tokens.armedFor(webhookID)
}

// Attempt performs one delivery attempt of a pending event and commits the
// outcome. The returned error covers store and coordination failures only;
// endpoint failures are recorded on the event.
func (d *Dispatcher) Attempt(ctx context.Context, eventID snowflake.ID) (Outcome, error) {
	unlock := d.locks.Lock(eventID)
	defer unlock()

	policy := d.policy.Get().Delivery
	release, acquired, err := d.guard.LeaseEvent(ctx, eventID.String(), policy.Timeout)
	if err != nil {
		return OutcomeSuperseded, err
	}
	if !acquired {
		d.metrics.IncDelivery(string(OutcomeSuperseded))
		return OutcomeSuperseded, nil
	}
	defer func() {
		if err := release(); err != nil {
			d.log.Warn("delivery lease release failed",
				zap.String("event_id", eventID.String()),
				zap.Error(err),
			)
		}
	}()

	event, err := d.repo.FindEvent(ctx, d.db, eventID)
	if err != nil {
		return OutcomeSuperseded, db.Classify(err)
	}
	if event == nil || event.Status != domain.EventStatusPending {
		d.metrics.IncDelivery(string(OutcomeSuperseded))
		return OutcomeSuperseded, nil
	}
	if event.NextAttemptAt != nil && event.NextAttemptAt.After(d.clock.Now()) {
		// Not due yet; a later timer owns it.
		d.metrics.IncDelivery(string(OutcomeSuperseded))
		return OutcomeSuperseded, nil
	}
	webhook, err := d.repo.FindWebhook(ctx, d.db, event.WebhookID)
	if err != nil {
		return OutcomeSuperseded, db.Classify(err)
	}
	if webhook == nil || !webhook.IsActive {
		d.metrics.IncDelivery(string(OutcomeCancelled))
		return OutcomeCancelled, nil
	}
	tokenCtx := d.tokens.context(webhook.ID)

	if host, err := hostOf(webhook.URL); err == nil {
		allowed, retryAfter, err := d.guard.AllowHost(ctx, host)
		if err != nil {
			d.log.Warn("delivery rate check failed", zap.String("host", host), zap.Error(err))
		} else if !allowed {
			d.throttle(*event, retryAfter)
			return OutcomeThrottled, nil
		}
	}

	now := d.clock.Now()
	timestamp := now.Unix()
	req := Request{
		URL:        webhook.URL,
		EventType:  event.EventType,
		DeliveryID: ulid.Make().String(),
		Timestamp:  timestamp,
		Signature:  Sign(webhook.Secret, timestamp, event.Payload),
		Body:       event.Payload,
	}

	sendCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	stop := context.AfterFunc(tokenCtx, cancel)
	started := time.Now()
	resp, sendErr := d.transport.Send(sendCtx, req)
	stop()
	cancel()
	d.metrics.ObserveDeliveryDuration(time.Since(started))

	if tokenCtx.Err() != nil {
		d.metrics.IncDelivery(string(OutcomeCancelled))
		return OutcomeCancelled, nil
	}
	if errors.Is(sendErr, gobreaker.ErrOpenState) {
		d.metrics.IncDelivery(metrics.DeliveryOutcomeBreakerOpen)
	}

	outcome, updated, deactivated, err := d.commit(ctx, *event, resp, sendErr, now, policy)
	if errors.Is(err, errSuperseded) {
		d.metrics.IncDelivery(string(OutcomeSuperseded))
		return OutcomeSuperseded, nil
	}
	if err != nil {
		return OutcomeSuperseded, db.Classify(err)
	}
	d.metrics.IncDelivery(string(outcome))

	logFields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("webhook_id", event.WebhookID.String()),
		zap.String("event_type", event.EventType),
		zap.String("delivery_id", req.DeliveryID),
		zap.Int("attempts", updated.Attempts),
	}
	switch outcome {
	case OutcomeCancelled:
		return outcome, nil
	case OutcomeRetry:
		d.log.Info("webhook delivery will retry", append(logFields, zap.Error(errs.TransientDelivery(sendErr)))...)
		d.Arm(updated)
	case OutcomeFailed:
		d.tokens.drop(event.WebhookID, event.ID)
		d.log.Warn("webhook delivery exhausted", append(logFields, zap.Error(errs.PermanentDelivery(sendErr)))...)
	case OutcomeDelivered:
		d.tokens.drop(event.WebhookID, event.ID)
		d.log.Debug("webhook delivered", logFields...)
	}

	if deactivated {
		d.metrics.IncDeactivation()
		d.log.Warn("webhook deactivated after repeated failures",
			zap.String("webhook_id", event.WebhookID.String()),
			zap.Int("failure_count", policy.DeactivateAfter),
		)
		d.CancelWebhook(event.WebhookID)
	}
	return outcome, nil
}

func (d *Dispatcher) commit(
	ctx context.Context,
	event domain.WebhookEvent,
	resp Response,
	sendErr error,
	now time.Time,
	policy config.DeliveryPolicy,
) (outcome Outcome, updated domain.WebhookEvent, deactivated bool, err error) {
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		webhook, err := d.repo.LockWebhook(ctx, tx, event.WebhookID)
		if err != nil {
			return err
		}
		if webhook == nil || !webhook.IsActive {
			outcome = OutcomeCancelled
			return nil
		}

		expected := event.Attempts
		updated = event
		updated.Attempts = expected + 1
		updated.UpdatedAt = now
		updated.ResponseBody = truncate(resp.Body, domain.MaxResponseBody)
		updated.ResponseStatus = nil
		if resp.StatusCode != 0 {
			status := resp.StatusCode
			updated.ResponseStatus = &status
		}

		if sendErr == nil {
			delivered := now
			updated.Status = domain.EventStatusDelivered
			updated.DeliveredAt = &delivered
			updated.NextAttemptAt = nil
			updated.LastError = ""
			if err := d.completeAttempt(ctx, tx, &updated, expected); err != nil {
				return err
			}
			outcome = OutcomeDelivered
			return d.repo.UpdateWebhookHealth(ctx, tx, webhook.ID, true, 0, &delivered, now)
		}

		updated.LastError = truncate(sendErr.Error(), domain.MaxResponseBody)
		if updated.Attempts >= updated.MaxAttempts {
			updated.Status = domain.EventStatusFailed
			updated.NextAttemptAt = nil
			outcome = OutcomeFailed
		} else {
			next := now.Add(Backoff(policy.BaseDelay, policy.MaxDelay, updated.Attempts))
			updated.NextAttemptAt = &next
			outcome = OutcomeRetry
		}
		if err := d.completeAttempt(ctx, tx, &updated, expected); err != nil {
			return err
		}

		failures := webhook.FailureCount + 1
		active := policy.DeactivateAfter <= 0 || failures < policy.DeactivateAfter
		deactivated = !active
		return d.repo.UpdateWebhookHealth(ctx, tx, webhook.ID, active, failures, nil, now)
	})
	return outcome, updated, deactivated, err
}

func (d *Dispatcher) completeAttempt(ctx context.Context, tx *gorm.DB, event *domain.WebhookEvent, expected int) error {
	ok, err := d.repo.CompleteAttempt(ctx, tx, event, expected)
	if err != nil {
		return err
	}
	if !ok {
		return errSuperseded
	}
	return nil
}

// throttle pushes an attempt back without spending it.
func (d *Dispatcher) throttle(event domain.WebhookEvent, retryAfter time.Duration) {
	next := d.clock.Now().Add(max(retryAfter, minThrottleWait))
	event.NextAttemptAt = &next
	d.metrics.IncDelivery(string(OutcomeThrottled))
	d.Arm(event)
}

// truncate caps s at n bytes and drops any rune split by the cut or
// invalid in the source.
func truncate(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}
