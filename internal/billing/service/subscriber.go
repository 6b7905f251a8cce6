package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/internal/billing/domain"
	billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Algorand addresses are 58 base32 characters.
var walletPattern = regexp.MustCompile(`^[A-Z2-7]{58}$`)

func (s *Service) EnrollSubscriber(ctx context.Context, req domain.EnrollSubscriberRequest) (domain.Subscriber, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Subscriber{}, err
	}
	planID, err := parseID(req.PlanID)
	if err != nil {
		return domain.Subscriber{}, err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if !walletPattern.MatchString(wallet) {
		return domain.Subscriber{}, domain.ErrInvalidWallet
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.Subscriber{}, domain.ErrInvalidEmail
		}
	}
	metadata, err := json.Marshal(req.Metadata)
	if err != nil || req.Metadata == nil {
		metadata = []byte("{}")
	}

	var subscriber domain.Subscriber
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.LockPlan(ctx, tx, ownerID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}
		if plan.Status != domain.PlanStatusActive {
			return domain.ErrPlanNotActive
		}

		existing, err := s.repo.FindSubscriberByWallet(ctx, tx, plan.ID, wallet)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrSubscriberExists
		}

		now := s.clock.Now()
		next := now.Add(plan.Interval.Duration())
		subscriber = domain.Subscriber{
			ID:              s.genID.Generate(),
			OwnerID:         ownerID,
			PlanID:          plan.ID,
			WalletAddress:   wallet,
			Email:           email,
			Status:          domain.SubscriberStatusActive,
			StartDate:       now,
			NextPaymentDate: &next,
			TotalPaid:       decimal.Zero,
			PaymentMethod:   domain.PaymentMethodAlgorandWallet,
			Metadata:        datatypes.JSON(metadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.repo.InsertSubscriber(ctx, tx, &subscriber); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrSubscriberExists
			}
			return err
		}
		if err := s.aggregates.AdjustSubscriberCount(ctx, tx, plan, 1, now); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, billingevent.EventSubscriberCreated, map[string]any{
			"subscriber": subscriber,
			"plan_id":    plan.ID,
		})
	})
	if err != nil {
		return domain.Subscriber{}, db.Classify(err)
	}
	s.publisher.Notify()

	s.log.Info("subscriber enrolled",
		zap.String("subscriber_id", subscriber.ID.String()),
		zap.String("plan_id", subscriber.PlanID.String()),
	)
	return subscriber, nil
}

// UpdateSubscriber edits email and metadata. Metadata replaces the stored
// object wholesale; an empty email clears it.
func (s *Service) UpdateSubscriber(ctx context.Context, id string, req domain.UpdateSubscriberRequest) (domain.Subscriber, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Subscriber{}, err
	}
	subscriberID, err := parseID(id)
	if err != nil {
		return domain.Subscriber{}, err
	}
	if req.PlanID != nil || req.WalletAddress != nil {
		return domain.Subscriber{}, domain.ErrImmutableField
	}

	var email *string
	if req.Email != nil {
		trimmed := strings.TrimSpace(*req.Email)
		if trimmed != "" {
			if _, err := mail.ParseAddress(trimmed); err != nil {
				return domain.Subscriber{}, domain.ErrInvalidEmail
			}
		}
		email = &trimmed
	}
	var metadata datatypes.JSON
	if req.Metadata != nil {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return domain.Subscriber{}, domain.ErrInvalidMetadata
		}
		metadata = datatypes.JSON(raw)
	}

	var subscriber *domain.Subscriber
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, locked, err := s.LockSubscriber(ctx, tx, ownerID, subscriberID)
		if err != nil {
			return err
		}
		subscriber = locked
		if email == nil && metadata == nil {
			return nil
		}
		if email != nil {
			subscriber.Email = *email
		}
		if metadata != nil {
			subscriber.Metadata = metadata
		}
		subscriber.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdateSubscriberProfile(ctx, tx, subscriber); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, billingevent.EventSubscriberUpdated, map[string]any{
			"subscriber": *subscriber,
			"plan_id":    subscriber.PlanID,
		})
	})
	if err != nil {
		return domain.Subscriber{}, db.Classify(err)
	}
	if email != nil || metadata != nil {
		s.publisher.Notify()
	}
	return *subscriber, nil
}

func (s *Service) TransitionSubscriber(ctx context.Context, req domain.TransitionSubscriberRequest) (domain.Subscriber, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Subscriber{}, err
	}
	subscriberID, err := parseID(req.ID)
	if err != nil {
		return domain.Subscriber{}, err
	}
	if !req.Target.Valid() {
		return domain.Subscriber{}, domain.ErrInvalidStatus
	}
	return s.transitionSubscriber(ctx, ownerID, subscriberID, req.Target, strings.TrimSpace(req.Reason))
}

// CancelSubscriber is idempotent: cancelling a cancelled subscriber returns it unchanged.
func (s *Service) CancelSubscriber(ctx context.Context, id string, reason string) (domain.Subscriber, error) {
	return s.TransitionSubscriber(ctx, domain.TransitionSubscriberRequest{
		ID:     id,
		Target: domain.SubscriberStatusCancelled,
		Reason: reason,
	})
}

func (s *Service) transitionSubscriber(ctx context.Context, ownerID, subscriberID snowflake.ID, target domain.SubscriberStatus, reason string) (domain.Subscriber, error) {
	var (
		subscriber *domain.Subscriber
		from       domain.SubscriberStatus
		changed    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, locked, err := s.LockSubscriber(ctx, tx, ownerID, subscriberID)
		if err != nil {
			return err
		}
		subscriber = locked
		from = locked.Status
		changed, err = s.TransitionSubscriberTx(ctx, tx, plan, locked, target, reason)
		return err
	})
	if err != nil {
		return domain.Subscriber{}, db.Classify(err)
	}
	if changed {
		s.publisher.Notify()
		s.log.Info("subscriber transitioned",
			zap.String("subscriber_id", subscriber.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
		)
	}
	return *subscriber, nil
}

func (s *Service) GetSubscriber(ctx context.Context, id string) (domain.Subscriber, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Subscriber{}, err
	}
	subscriberID, err := parseID(id)
	if err != nil {
		return domain.Subscriber{}, err
	}

	subscriber, err := s.repo.FindSubscriberByID(ctx, s.db, ownerID, subscriberID)
	if err != nil {
		return domain.Subscriber{}, db.Classify(err)
	}
	if subscriber == nil {
		return domain.Subscriber{}, domain.ErrSubscriberNotFound
	}
	return *subscriber, nil
}

func (s *Service) ListSubscribers(ctx context.Context, req domain.ListSubscriberRequest) (domain.ListSubscriberResponse, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.ListSubscriberResponse{}, err
	}

	filter := domain.ListSubscriberFilter{
		Status: domain.SubscriberStatus(strings.TrimSpace(req.Status)),
		Search: strings.TrimSpace(req.Search),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.ListSubscriberResponse{}, domain.ErrInvalidStatus
	}
	if strings.TrimSpace(req.PlanID) != "" {
		filter.PlanID, err = parseID(req.PlanID)
		if err != nil {
			return domain.ListSubscriberResponse{}, err
		}
	}

	page := req.Pagination.Normalize()
	items, err := s.repo.ListSubscribers(ctx, s.db, ownerID, filter, page)
	if err != nil {
		return domain.ListSubscriberResponse{}, db.Classify(err)
	}

	items, pageInfo := pagination.Page(items, page.PageSize, func(sub *domain.Subscriber) snowflake.ID { return sub.ID })
	subscribers := make([]domain.Subscriber, 0, len(items))
	for _, item := range items {
		subscribers = append(subscribers, *item)
	}
	return domain.ListSubscriberResponse{PageInfo: pageInfo, Subscribers: subscribers}, nil
}

func (s *Service) SweepOverdue(ctx context.Context, now time.Time, grace time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := now.Add(-grace)
	overdue, err := s.repo.ListOverdue(ctx, s.db, cutoff, batchSize)
	if err != nil {
		return 0, db.Classify(err)
	}

	moved := 0
	for _, sub := range overdue {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		ok, err := s.markPastDue(ctx, sub.OwnerID, sub.ID, cutoff)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// markPastDue re-reads the subscriber under its row lock. The overdue scan is
// unlocked, so a payment or transition may have committed since.
func (s *Service) markPastDue(ctx context.Context, ownerID, subscriberID snowflake.ID, cutoff time.Time) (bool, error) {
	var (
		subscriber *domain.Subscriber
		changed    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, locked, err := s.LockSubscriber(ctx, tx, ownerID, subscriberID)
		if err != nil {
			if errors.Is(err, domain.ErrSubscriberNotFound) || errors.Is(err, domain.ErrPlanNotFound) {
				return nil
			}
			return err
		}
		if locked.Status != domain.SubscriberStatusActive {
			return nil
		}
		if locked.NextPaymentDate == nil || !locked.NextPaymentDate.Before(cutoff) {
			return nil
		}
		subscriber = locked
		changed, err = s.TransitionSubscriberTx(ctx, tx, plan, locked, domain.SubscriberStatusPastDue, "payment_overdue")
		return err
	})
	if err != nil {
		return false, db.Classify(err)
	}
	if changed {
		s.publisher.Notify()
		s.log.Info("subscriber overdue",
			zap.String("subscriber_id", subscriber.ID.String()),
			zap.Time("next_payment_date", *subscriber.NextPaymentDate),
		)
	}
	return changed, nil
}

// LockSubscriber reads the immutable plan reference, locks the plan and then
// the subscriber so every writer takes locks in the same order.
func (s *Service) LockSubscriber(ctx context.Context, tx *gorm.DB, ownerID, subscriberID snowflake.ID) (*domain.Plan, *domain.Subscriber, error) {
	ref, err := s.repo.FindSubscriberByID(ctx, tx, ownerID, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	if ref == nil {
		return nil, nil, domain.ErrSubscriberNotFound
	}
	plan, err := s.repo.LockPlan(ctx, tx, ownerID, ref.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if plan == nil {
		return nil, nil, domain.ErrPlanNotFound
	}
	subscriber, err := s.repo.LockSubscriber(ctx, tx, ownerID, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	if subscriber == nil {
		return nil, nil, domain.ErrSubscriberNotFound
	}
	return plan, subscriber, nil
}

func (s *Service) TransitionSubscriberTx(ctx context.Context, tx *gorm.DB, plan *domain.Plan, subscriber *domain.Subscriber, target domain.SubscriberStatus, reason string) (bool, error) {
	from := subscriber.Status
	if from == target {
		return false, nil
	}
	eventType, ok := domain.SubscriberTransition(from, target)
	if !ok {
		return false, errs.Wrap(domain.ErrInvalidTransition, fmt.Errorf("subscriber %s -> %s", from, target))
	}

	now := s.clock.Now()
	subscriber.Status = target
	subscriber.UpdatedAt = now
	if target == domain.SubscriberStatusCancelled {
		subscriber.CancelledAt = &now
	}
	if err := s.repo.UpdateSubscriberStatus(ctx, tx, subscriber); err != nil {
		return false, err
	}
	if err := s.aggregates.AdjustSubscriberCount(ctx, tx, plan, domain.ActiveDelta(from, target), now); err != nil {
		return false, err
	}

	payload := map[string]any{
		"subscriber":      subscriber,
		"previous_status": from,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.publish(ctx, tx, subscriber.OwnerID, eventType, payload); err != nil {
		return false, err
	}
	s.metrics.RecordSubscriberTransition(ctx, string(from), string(target))
	return true, nil
}

func (s *Service) CreditPayment(ctx context.Context, tx *gorm.DB, plan *domain.Plan, subscriber *domain.Subscriber, amount decimal.Decimal, paidAt time.Time) error {
	base := paidAt
	if subscriber.NextPaymentDate != nil && subscriber.NextPaymentDate.After(base) {
		base = *subscriber.NextPaymentDate
	}
	next := base.Add(plan.Interval.Duration())
	subscriber.LastPaymentDate = &paidAt
	subscriber.NextPaymentDate = &next
	return s.aggregates.CreditPayment(ctx, tx, plan, subscriber, amount, paidAt)
}

func (s *Service) DebitRefund(ctx context.Context, tx *gorm.DB, plan *domain.Plan, subscriber *domain.Subscriber, amount decimal.Decimal) error {
	return s.aggregates.DebitRefund(ctx, tx, plan, subscriber, amount, s.clock.Now())
}
