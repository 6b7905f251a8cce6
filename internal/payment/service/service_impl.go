package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	"github.com/smallbiznis/subchain/internal/providers/pdf"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const refundKeyPrefix = "refund:"

// errLostInsertRace rolls back a transaction whose insert was skipped
// because a concurrent request committed the same idempotency key.
var errLostInsertRace = errors.New("idempotency key taken concurrently")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      paymentdomain.Repository
	Ledger    billingdomain.Ledger
	Billing   billingdomain.Service
	Publisher billingevent.Publisher
	Policy    *config.PolicyHolder
	PDF       pdf.Provider     `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      paymentdomain.Repository
	ledger    billingdomain.Ledger
	billing   billingdomain.Service
	publisher billingevent.Publisher
	policy    *config.PolicyHolder
	pdf       pdf.Provider
	metrics   *metrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	provider := p.PDF
	if provider == nil {
		provider = &pdf.NoOpProvider{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		ledger:    p.Ledger,
		billing:   p.Billing,
		publisher: p.Publisher,
		policy:    p.Policy,
		pdf:       provider,
		metrics:   p.Metrics,
	}
}

func (s *Service) RecordPayment(ctx context.Context, req paymentdomain.RecordPaymentRequest) (paymentdomain.Payment, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return paymentdomain.Payment{}, errs.ErrUnauthorized
	}
	subscriberID, key, err := validateRecord(&req)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	policy := s.policy.Get().Billing

	var (
		payment  paymentdomain.Payment
		replayed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, subscriber, err := s.ledger.LockSubscriber(ctx, tx, ownerID, subscriberID)
		if err != nil {
			return err
		}

		existing, err := s.repo.FindByIdempotencyKey(ctx, tx, ownerID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.SamePayload(subscriberID, req.Amount, req.Currency) {
				return paymentdomain.ErrIdempotencyConflict
			}
			payment = *existing
			replayed = true
			return nil
		}

		if subscriber.Status == billingdomain.SubscriberStatusCancelled {
			return paymentdomain.ErrSubscriberCancelled
		}

		now := s.clock.Now()
		payment = paymentdomain.Payment{
			ID:              s.genID.Generate(),
			OwnerID:         ownerID,
			SubscriberID:    subscriber.ID,
			PlanID:          plan.ID,
			Amount:          req.Amount,
			Currency:        req.Currency,
			TransactionHash: req.TransactionHash,
			IdempotencyKey:  key,
			Confirmations:   req.Confirmations,
			DueDate:         subscriber.NextPaymentDate,
			Metadata:        metadata,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		payment.Status, payment.FailureReason = classify(req, plan, policy.MinConfirmations)
		if payment.Status == paymentdomain.PaymentStatusCompleted {
			payment.PaymentDate = &now
		}

		inserted, err := s.repo.Insert(ctx, tx, &payment)
		if err != nil {
			return err
		}
		if !inserted {
			return errLostInsertRace
		}

		if payment.Status == paymentdomain.PaymentStatusCompleted {
			return s.settle(ctx, tx, plan, subscriber, &payment, now)
		}
		return s.recordFailure(ctx, tx, plan, subscriber, &payment, policy.PastDueThreshold)
	})
	if errors.Is(err, errLostInsertRace) {
		return s.loadReplay(ctx, ownerID, key, subscriberID, req)
	}
	if err != nil {
		return paymentdomain.Payment{}, db.Classify(err)
	}
	if replayed {
		payment.Replayed = true
		return payment, nil
	}

	s.publisher.Notify()
	s.metrics.RecordPayment(ctx, string(payment.Status), string(payment.Currency))
	s.log.Info("payment recorded",
		zap.String("payment_id", payment.ID.String()),
		zap.String("subscriber_id", payment.SubscriberID.String()),
		zap.String("status", string(payment.Status)),
		zap.String("failure_reason", payment.FailureReason),
	)
	return payment, nil
}

// settle credits a completed payment and reactivates a past_due subscriber.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, plan *billingdomain.Plan, subscriber *billingdomain.Subscriber, payment *paymentdomain.Payment, now time.Time) error {
	if err := s.ledger.CreditPayment(ctx, tx, plan, subscriber, payment.Amount, now); err != nil {
		return err
	}
	if subscriber.Status == billingdomain.SubscriberStatusPastDue {
		if _, err := s.ledger.TransitionSubscriberTx(ctx, tx, plan, subscriber, billingdomain.SubscriberStatusActive, "payment_completed"); err != nil {
			return err
		}
	}
	return s.publish(ctx, tx, payment, billingevent.EventPaymentCompleted)
}

func (s *Service) recordFailure(ctx context.Context, tx *gorm.DB, plan *billingdomain.Plan, subscriber *billingdomain.Subscriber, payment *paymentdomain.Payment, threshold int) error {
	if err := s.publish(ctx, tx, payment, billingevent.EventPaymentFailed); err != nil {
		return err
	}
	if subscriber.Status != billingdomain.SubscriberStatusActive || threshold <= 0 {
		return nil
	}
	failures, err := s.repo.CountFailuresSinceLastCompleted(ctx, tx, subscriber.ID)
	if err != nil {
		return err
	}
	if failures < int64(threshold) {
		return nil
	}
	_, err = s.ledger.TransitionSubscriberTx(ctx, tx, plan, subscriber, billingdomain.SubscriberStatusPastDue, "payment_failures")
	return err
}

func (s *Service) RefundPayment(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.Payment, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return paymentdomain.Payment{}, errs.ErrUnauthorized
	}
	paymentID, err := parseID(req.PaymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	key := refundKeyPrefix + paymentID.String()

	var (
		refund   paymentdomain.Payment
		replayed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.repo.FindByID(ctx, tx, ownerID, paymentID)
		if err != nil {
			return err
		}
		if original == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if original.Status != paymentdomain.PaymentStatusCompleted {
			return paymentdomain.ErrNotRefundable
		}

		plan, subscriber, err := s.ledger.LockSubscriber(ctx, tx, ownerID, original.SubscriberID)
		if err != nil {
			return err
		}

		existing, err := s.repo.FindByIdempotencyKey(ctx, tx, ownerID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			refund = *existing
			replayed = true
			return nil
		}

		now := s.clock.Now()
		metadata, err := encodeMetadata(map[string]any{"reason": strings.TrimSpace(req.Reason)})
		if err != nil {
			return err
		}
		refund = paymentdomain.Payment{
			ID:              s.genID.Generate(),
			OwnerID:         ownerID,
			SubscriberID:    original.SubscriberID,
			PlanID:          original.PlanID,
			Amount:          original.Amount,
			Currency:        original.Currency,
			Status:          paymentdomain.PaymentStatusRefunded,
			TransactionHash: original.TransactionHash,
			IdempotencyKey:  key,
			RefundOf:        &original.ID,
			PaymentDate:     &now,
			Metadata:        metadata,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		inserted, err := s.repo.Insert(ctx, tx, &refund)
		if err != nil {
			return err
		}
		if !inserted {
			return errLostInsertRace
		}
		if err := s.ledger.DebitRefund(ctx, tx, plan, subscriber, refund.Amount); err != nil {
			return err
		}
		return s.publish(ctx, tx, &refund, billingevent.EventPaymentRefunded)
	})
	if errors.Is(err, errLostInsertRace) {
		existing, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, ownerID, key)
		if findErr != nil {
			return paymentdomain.Payment{}, db.Classify(findErr)
		}
		if existing == nil {
			return paymentdomain.Payment{}, err
		}
		existing.Replayed = true
		return *existing, nil
	}
	if err != nil {
		return paymentdomain.Payment{}, db.Classify(err)
	}
	if replayed {
		refund.Replayed = true
		return refund, nil
	}

	s.publisher.Notify()
	s.metrics.RecordPayment(ctx, string(refund.Status), string(refund.Currency))
	s.log.Info("payment refunded",
		zap.String("payment_id", paymentID.String()),
		zap.String("refund_id", refund.ID.String()),
	)
	return refund, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (paymentdomain.Payment, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return paymentdomain.Payment{}, errs.ErrUnauthorized
	}
	paymentID, err := parseID(id)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	payment, err := s.repo.FindByID(ctx, s.db, ownerID, paymentID)
	if err != nil {
		return paymentdomain.Payment{}, db.Classify(err)
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *payment, nil
}

func (s *Service) ListPayments(ctx context.Context, req paymentdomain.ListPaymentRequest) (paymentdomain.ListPaymentResponse, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return paymentdomain.ListPaymentResponse{}, errs.ErrUnauthorized
	}

	var (
		filter paymentdomain.ListPaymentFilter
		err    error
	)
	if v := strings.TrimSpace(req.SubscriberID); v != "" {
		if filter.SubscriberID, err = parseID(v); err != nil {
			return paymentdomain.ListPaymentResponse{}, err
		}
	}
	if v := strings.TrimSpace(req.PlanID); v != "" {
		if filter.PlanID, err = parseID(v); err != nil {
			return paymentdomain.ListPaymentResponse{}, err
		}
	}
	if v := strings.TrimSpace(req.Status); v != "" {
		filter.Status = paymentdomain.PaymentStatus(v)
		if !filter.Status.Valid() {
			return paymentdomain.ListPaymentResponse{}, paymentdomain.ErrInvalidStatus
		}
	}

	page := req.Pagination.Normalize()
	items, err := s.repo.List(ctx, s.db, ownerID, filter, page)
	if err != nil {
		return paymentdomain.ListPaymentResponse{}, db.Classify(err)
	}
	items, pageInfo := pagination.Page(items, page.PageSize, func(p *paymentdomain.Payment) snowflake.ID { return p.ID })
	payments := make([]paymentdomain.Payment, 0, len(items))
	for _, item := range items {
		payments = append(payments, *item)
	}
	return paymentdomain.ListPaymentResponse{PageInfo: pageInfo, Payments: payments}, nil
}

func (s *Service) RenderReceipt(ctx context.Context, id string) ([]byte, error) {
	payment, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != paymentdomain.PaymentStatusCompleted || payment.PaymentDate == nil {
		return nil, paymentdomain.ErrReceiptUnavailable
	}
	plan, err := s.billing.GetPlan(ctx, payment.PlanID.String())
	if err != nil {
		return nil, err
	}
	subscriber, err := s.billing.GetSubscriber(ctx, payment.SubscriberID.String())
	if err != nil {
		return nil, err
	}

	paidAt := payment.PaymentDate.UTC()
	periodEnd := paidAt.Add(plan.Interval.Duration())
	return s.pdf.GenerateReceipt(ctx, pdf.ReceiptData{
		ReceiptNumber:   payment.ID.String(),
		DatePaid:        paidAt.Format("January 2, 2006"),
		PlanName:        plan.Name,
		Interval:        string(plan.Interval),
		WalletAddress:   subscriber.WalletAddress,
		Email:           subscriber.Email,
		Amount:          payment.Amount.StringFixed(6),
		Currency:        string(payment.Currency),
		TransactionHash: payment.TransactionHash,
		ServicePeriod:   fmt.Sprintf("%s - %s", paidAt.Format("Jan 2, 2006"), periodEnd.Format("Jan 2, 2006")),
	})
}

// loadReplay resolves a request that lost the insert race to a concurrent
// request with the same idempotency key.
func (s *Service) loadReplay(ctx context.Context, ownerID snowflake.ID, key string, subscriberID snowflake.ID, req paymentdomain.RecordPaymentRequest) (paymentdomain.Payment, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, ownerID, key)
	if err != nil {
		return paymentdomain.Payment{}, db.Classify(err)
	}
	if existing == nil {
		return paymentdomain.Payment{}, errs.Wrap(paymentdomain.ErrIdempotencyConflict, errLostInsertRace)
	}
	if !existing.SamePayload(subscriberID, req.Amount, req.Currency) {
		return paymentdomain.Payment{}, paymentdomain.ErrIdempotencyConflict
	}
	existing.Replayed = true
	return *existing, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, eventType string) error {
	return s.publisher.Publish(ctx, tx, billingevent.Event{
		OwnerID:   payment.OwnerID,
		Type:      eventType,
		Data:      map[string]any{"payment": payment},
		DedupeKey: eventType + ":" + payment.ID.String(),
	})
}

// classify decides the outcome of an attempt against the subscriber's plan.
func classify(req paymentdomain.RecordPaymentRequest, plan *billingdomain.Plan, minConfirmations int) (paymentdomain.PaymentStatus, string) {
	switch {
	case req.Currency != plan.Currency:
		return paymentdomain.PaymentStatusFailed, paymentdomain.FailureCurrencyMismatch
	case req.FailureReason != "":
		return paymentdomain.PaymentStatusFailed, req.FailureReason
	case req.TransactionHash != "" && req.Confirmations < minConfirmations:
		return paymentdomain.PaymentStatusFailed, paymentdomain.FailureInsufficientConfirmation
	default:
		return paymentdomain.PaymentStatusCompleted, ""
	}
}

func validateRecord(req *paymentdomain.RecordPaymentRequest) (snowflake.ID, string, error) {
	if strings.TrimSpace(req.SubscriberID) == "" {
		return 0, "", paymentdomain.ErrInvalidSubscriber
	}
	subscriberID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriberID))
	if err != nil || subscriberID == 0 {
		return 0, "", paymentdomain.ErrInvalidSubscriber
	}
	if !req.Amount.IsPositive() {
		return 0, "", paymentdomain.ErrInvalidAmount
	}
	req.Currency = billingdomain.Currency(strings.ToUpper(strings.TrimSpace(string(req.Currency))))
	if !req.Currency.Valid() {
		return 0, "", paymentdomain.ErrInvalidCurrency
	}
	req.TransactionHash = strings.TrimSpace(req.TransactionHash)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.FailureReason = strings.TrimSpace(req.FailureReason)

	key := req.IdempotencyKey
	if key == "" {
		key = req.TransactionHash
	}
	if key == "" {
		return 0, "", paymentdomain.ErrMissingIdempotencyKey
	}
	if strings.HasPrefix(key, refundKeyPrefix) {
		return 0, "", paymentdomain.ErrMissingIdempotencyKey
	}
	return subscriberID, key, nil
}

func encodeMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if metadata == nil {
		return datatypes.JSON("{}"), nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, errs.Wrap(errs.Validation("invalid_metadata"), err)
	}
	return datatypes.JSON(b), nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidID
	}
	return id, nil
}
