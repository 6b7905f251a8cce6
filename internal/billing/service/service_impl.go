package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/subchain/internal/billing/domain"
	billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxSlugAttempts = 20

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher billingevent.Publisher
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	publisher  billingevent.Publisher
	aggregates *Aggregates
	metrics    *metrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		publisher:  p.Publisher,
		aggregates: NewAggregates(p.Repo),
		metrics:    p.Metrics,
	}
}

func ProvideService(s *Service) domain.Service { return s }

func ProvideLedger(s *Service) domain.Ledger { return s }

func (s *Service) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (domain.Plan, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Plan{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}
	if req.Amount.IsNegative() {
		return domain.Plan{}, domain.ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return domain.Plan{}, domain.ErrInvalidCurrency
	}
	if !req.Interval.Valid() {
		return domain.Plan{}, domain.ErrInvalidInterval
	}
	status := req.Status
	if status == "" {
		status = domain.PlanStatusDraft
	}
	if status != domain.PlanStatusDraft && status != domain.PlanStatusActive {
		return domain.Plan{}, domain.ErrInvalidStatus
	}
	features, err := encodeFeatures(req.Features)
	if err != nil {
		return domain.Plan{}, err
	}

	now := s.clock.Now()
	plan := domain.Plan{
		ID:          s.genID.Generate(),
		OwnerID:     ownerID,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Interval:    req.Interval,
		Features:    features,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		planSlug, err := s.uniqueSlug(ctx, tx, ownerID, name)
		if err != nil {
			return err
		}
		plan.Slug = planSlug

		if err := s.repo.InsertPlan(ctx, tx, &plan); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, billingevent.EventPlanCreated, planPayload(plan))
	})
	if err != nil {
		return domain.Plan{}, db.Classify(err)
	}
	s.publisher.Notify()

	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("status", string(plan.Status)),
	)
	return plan, nil
}

func (s *Service) UpdatePlan(ctx context.Context, id string, req domain.UpdatePlanRequest) (domain.Plan, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	planID, err := parseID(id)
	if err != nil {
		return domain.Plan{}, err
	}

	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return domain.Plan{}, domain.ErrInvalidAmount
	}
	var features datatypes.JSON
	if req.Features != nil {
		features, err = encodeFeatures(req.Features)
		if err != nil {
			return domain.Plan{}, err
		}
	}

	var plan *domain.Plan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err = s.repo.LockPlan(ctx, tx, ownerID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}

		if req.Name != nil {
			plan.Name = strings.TrimSpace(*req.Name)
		}
		if req.Description != nil {
			plan.Description = strings.TrimSpace(*req.Description)
		}
		if req.Amount != nil {
			plan.Amount = *req.Amount
		}
		if features != nil {
			plan.Features = features
		}
		plan.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdatePlanDetails(ctx, tx, plan); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, billingevent.EventPlanUpdated, planPayload(*plan))
	})
	if err != nil {
		return domain.Plan{}, db.Classify(err)
	}
	s.publisher.Notify()
	return *plan, nil
}

func (s *Service) TransitionPlan(ctx context.Context, id string, target domain.PlanStatus) (domain.Plan, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	planID, err := parseID(id)
	if err != nil {
		return domain.Plan{}, err
	}
	if !target.Valid() {
		return domain.Plan{}, domain.ErrInvalidStatus
	}

	var (
		plan *domain.Plan
		from domain.PlanStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err = s.repo.LockPlan(ctx, tx, ownerID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}
		from = plan.Status
		if from == target {
			return nil
		}

		eventType, ok := domain.PlanTransition(from, target)
		if !ok {
			return errs.Wrap(domain.ErrInvalidTransition, fmt.Errorf("plan %s -> %s", from, target))
		}

		plan.Status = target
		plan.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePlanStatus(ctx, tx, plan); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, eventType, map[string]any{
			"plan":            plan,
			"previous_status": from,
		})
	})
	if err != nil {
		return domain.Plan{}, db.Classify(err)
	}
	if from != target {
		s.publisher.Notify()
		s.metrics.RecordPlanTransition(ctx, string(from), string(target))
		s.log.Info("plan transitioned",
			zap.String("plan_id", plan.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
		)
	}
	return *plan, nil
}

func (s *Service) DeletePlan(ctx context.Context, id string) error {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return err
	}
	planID, err := parseID(id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.LockPlan(ctx, tx, ownerID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}
		if err := s.repo.DeletePlan(ctx, tx, ownerID, planID); err != nil {
			return err
		}
		return s.publish(ctx, tx, ownerID, billingevent.EventPlanDeleted, planPayload(*plan))
	})
	if err != nil {
		return db.Classify(err)
	}
	s.publisher.Notify()
	s.log.Info("plan deleted", zap.String("plan_id", planID.String()))
	return nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	planID, err := parseID(id)
	if err != nil {
		return domain.Plan{}, err
	}

	plan, err := s.repo.FindPlanByID(ctx, s.db, ownerID, planID)
	if err != nil {
		return domain.Plan{}, db.Classify(err)
	}
	if plan == nil {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) ListPlans(ctx context.Context, req domain.ListPlanRequest) (domain.ListPlanResponse, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.ListPlanResponse{}, err
	}

	filter := domain.ListPlanFilter{
		Status: domain.PlanStatus(strings.TrimSpace(req.Status)),
		Search: strings.TrimSpace(req.Search),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.ListPlanResponse{}, domain.ErrInvalidStatus
	}

	page := req.Pagination.Normalize()
	items, err := s.repo.ListPlans(ctx, s.db, ownerID, filter, page)
	if err != nil {
		return domain.ListPlanResponse{}, db.Classify(err)
	}

	items, pageInfo := pagination.Page(items, page.PageSize, func(p *domain.Plan) snowflake.ID { return p.ID })
	plans := make([]domain.Plan, 0, len(items))
	for _, item := range items {
		plans = append(plans, *item)
	}
	return domain.ListPlanResponse{PageInfo: pageInfo, Plans: plans}, nil
}

// uniqueSlug derives a slug from name and appends -2, -3 ... on clash.
func (s *Service) uniqueSlug(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "plan"
	}
	candidate := base
	for i := 2; i <= maxSlugAttempts; i++ {
		exists, err := s.repo.SlugExists(ctx, tx, ownerID, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return fmt.Sprintf("%s-%s", base, s.genID.Generate().Base36()), nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, eventType string, data any) error {
	return s.publisher.Publish(ctx, tx, billingevent.Event{
		OwnerID: ownerID,
		Type:    eventType,
		Data:    data,
	})
}

func planPayload(plan domain.Plan) map[string]any {
	return map[string]any{"plan": plan}
}

func encodeFeatures(features []string) (datatypes.JSON, error) {
	cleaned := make([]string, 0, len(features))
	for _, f := range features {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	b, err := json.Marshal(cleaned)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func ownerFromContext(ctx context.Context) (snowflake.ID, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return 0, errs.ErrUnauthorized
	}
	return ownerID, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
