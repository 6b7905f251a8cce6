package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	"github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const secretBytes = 32

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Dispatcher domain.Dispatcher
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	dispatcher domain.Dispatcher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
	}
}

func (s *Service) CreateWebhook(ctx context.Context, req domain.CreateWebhookRequest) (domain.WebhookWithSecret, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}
	endpoint, err := normalizeURL(req.URL)
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}
	events, err := encodeEvents(req.Events)
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}

	now := s.clock.Now()
	webhook := domain.Webhook{
		ID:        s.genID.Generate(),
		OwnerID:   ownerID,
		URL:       endpoint,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertWebhook(ctx, s.db, &webhook); err != nil {
		return domain.WebhookWithSecret{}, db.Classify(err)
	}

	s.log.Info("webhook created", zap.String("webhook_id", webhook.ID.String()))
	return domain.WebhookWithSecret{Webhook: webhook, Secret: secret}, nil
}

func (s *Service) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	ownerID, webhookID, err := s.scope(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}
	webhook, err := s.repo.FindWebhookByID(ctx, s.db, ownerID, webhookID)
	if err != nil {
		return domain.Webhook{}, db.Classify(err)
	}
	if webhook == nil {
		return domain.Webhook{}, domain.ErrWebhookNotFound
	}
	return *webhook, nil
}

func (s *Service) ListWebhooks(ctx context.Context, req domain.ListWebhookRequest) (domain.ListWebhookResponse, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return domain.ListWebhookResponse{}, err
	}
	page := req.Pagination.Normalize()
	items, err := s.repo.ListWebhooks(ctx, s.db, ownerID, page)
	if err != nil {
		return domain.ListWebhookResponse{}, db.Classify(err)
	}
	items, pageInfo := pagination.Page(items, page.PageSize, func(w domain.Webhook) snowflake.ID { return w.ID })
	if items == nil {
		items = []domain.Webhook{}
	}
	return domain.ListWebhookResponse{Webhooks: items, PageInfo: pageInfo}, nil
}

func (s *Service) UpdateWebhook(ctx context.Context, id string, req domain.UpdateWebhookRequest) (domain.Webhook, error) {
	ownerID, webhookID, err := s.scope(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}

	var updated domain.Webhook
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		webhook, err := s.repo.LockWebhook(ctx, tx, webhookID)
		if err != nil {
			return err
		}
		if webhook == nil || webhook.OwnerID != ownerID {
			return domain.ErrWebhookNotFound
		}
		if req.URL != nil {
			endpoint, err := normalizeURL(*req.URL)
			if err != nil {
				return err
			}
			webhook.URL = endpoint
		}
		if req.Events != nil {
			events, err := encodeEvents(req.Events)
			if err != nil {
				return err
			}
			webhook.Events = events
		}
		webhook.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateWebhook(ctx, tx, webhook); err != nil {
			return err
		}
		updated = *webhook
		return nil
	})
	if err != nil {
		return domain.Webhook{}, db.Classify(err)
	}
	return updated, nil
}

func (s *Service) DeleteWebhook(ctx context.Context, id string) error {
	ownerID, webhookID, err := s.scope(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		webhook, err := s.repo.LockWebhook(ctx, tx, webhookID)
		if err != nil {
			return err
		}
		if webhook == nil || webhook.OwnerID != ownerID {
			return domain.ErrWebhookNotFound
		}
		return s.repo.DeleteWebhook(ctx, tx, ownerID, webhookID)
	})
	if err != nil {
		return db.Classify(err)
	}
	s.dispatcher.CancelWebhook(webhookID)

	s.log.Info("webhook deleted", zap.String("webhook_id", webhookID.String()))
	return nil
}

// SetWebhookActive deactivates a webhook, cancelling its retries, or
// reactivates it with a clean failure count and re-arms its pending events.
func (s *Service) SetWebhookActive(ctx context.Context, id string, active bool) (domain.Webhook, error) {
	ownerID, webhookID, err := s.scope(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}

	var updated domain.Webhook
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		webhook, err := s.repo.LockWebhook(ctx, tx, webhookID)
		if err != nil {
			return err
		}
		if webhook == nil || webhook.OwnerID != ownerID {
			return domain.ErrWebhookNotFound
		}
		now := s.clock.Now()
		failures := webhook.FailureCount
		if active {
			failures = 0
		}
		if err := s.repo.UpdateWebhookHealth(ctx, tx, webhookID, active, failures, nil, now); err != nil {
			return err
		}
		webhook.IsActive = active
		webhook.FailureCount = failures
		webhook.UpdatedAt = now
		updated = *webhook
		return nil
	})
	if err != nil {
		return domain.Webhook{}, db.Classify(err)
	}

	if active {
		if err := s.dispatcher.ResumeWebhook(ctx, webhookID); err != nil {
			s.log.Warn("re-arming pending events failed",
				zap.String("webhook_id", webhookID.String()),
				zap.Error(err),
			)
		}
	} else {
		s.dispatcher.CancelWebhook(webhookID)
	}

	s.log.Info("webhook activity changed",
		zap.String("webhook_id", webhookID.String()),
		zap.Bool("active", active),
	)
	return updated, nil
}

func (s *Service) RotateSecret(ctx context.Context, id string) (domain.WebhookWithSecret, error) {
	ownerID, webhookID, err := s.scope(ctx, id)
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return domain.WebhookWithSecret{}, err
	}

	var updated domain.Webhook
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		webhook, err := s.repo.LockWebhook(ctx, tx, webhookID)
		if err != nil {
			return err
		}
		if webhook == nil || webhook.OwnerID != ownerID {
			return domain.ErrWebhookNotFound
		}
		now := s.clock.Now()
		if err := s.repo.UpdateWebhookSecret(ctx, tx, webhookID, secret, now); err != nil {
			return err
		}
		webhook.Secret = secret
		webhook.UpdatedAt = now
		updated = *webhook
		return nil
	})
	if err != nil {
		return domain.WebhookWithSecret{}, db.Classify(err)
	}
	return domain.WebhookWithSecret{Webhook: updated, Secret: secret}, nil
}

func (s *Service) SendTest(ctx context.Context, id string) (domain.WebhookEvent, error) {
	webhook, err := s.GetWebhook(ctx, id)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if !webhook.IsActive {
		return domain.WebhookEvent{}, domain.ErrWebhookInactive
	}
	events, err := s.dispatcher.Enqueue(ctx, domain.Intake{
		OwnerID:    webhook.OwnerID,
		EventType:  billingevent.EventWebhookTest,
		Data:       map[string]any{"webhook_id": webhook.ID.String()},
		WebhookIDs: []snowflake.ID{webhook.ID},
	})
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if len(events) == 0 {
		return domain.WebhookEvent{}, domain.ErrWebhookNotFound
	}
	return events[0], nil
}

func (s *Service) ListEvents(ctx context.Context, req domain.ListEventRequest) (domain.ListEventResponse, error) {
	ownerID, webhookID, err := s.scope(ctx, req.WebhookID)
	if err != nil {
		return domain.ListEventResponse{}, err
	}
	if req.Status != "" && !req.Status.Valid() {
		return domain.ListEventResponse{}, domain.ErrInvalidStatus
	}
	webhook, err := s.repo.FindWebhookByID(ctx, s.db, ownerID, webhookID)
	if err != nil {
		return domain.ListEventResponse{}, db.Classify(err)
	}
	if webhook == nil {
		return domain.ListEventResponse{}, domain.ErrWebhookNotFound
	}

	page := req.Pagination.Normalize()
	items, err := s.repo.ListEvents(ctx, s.db, domain.ListEventFilter{
		OwnerID:    ownerID,
		WebhookID:  webhookID,
		Status:     req.Status,
		Pagination: page,
	})
	if err != nil {
		return domain.ListEventResponse{}, db.Classify(err)
	}
	items, pageInfo := pagination.Page(items, page.PageSize, func(e domain.WebhookEvent) snowflake.ID { return e.ID })
	if items == nil {
		items = []domain.WebhookEvent{}
	}
	return domain.ListEventResponse{Events: items, PageInfo: pageInfo}, nil
}

// RedeliverEvent grants a finished event one more attempt, scheduled now.
func (s *Service) RedeliverEvent(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	ownerID, id, err := s.scope(ctx, eventID)
	if err != nil {
		return domain.WebhookEvent{}, err
	}

	var event *domain.WebhookEvent
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindEventByID(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrEventNotFound
		}
		if current.Status == domain.EventStatusPending {
			return domain.ErrEventNotFinished
		}
		webhook, err := s.repo.LockWebhook(ctx, tx, current.WebhookID)
		if err != nil {
			return err
		}
		if webhook == nil {
			return domain.ErrWebhookNotFound
		}
		if !webhook.IsActive {
			return domain.ErrWebhookInactive
		}
		if err := s.repo.ResetForRedelivery(ctx, tx, id, s.clock.Now()); err != nil {
			return err
		}
		event, err = s.repo.FindEventByID(ctx, tx, ownerID, id)
		return err
	})
	if err != nil {
		return domain.WebhookEvent{}, db.Classify(err)
	}
	s.dispatcher.Arm(*event)

	s.log.Info("webhook event redelivery scheduled", zap.String("event_id", id.String()))
	return *event, nil
}

func (s *Service) scope(ctx context.Context, id string) (snowflake.ID, snowflake.ID, error) {
	ownerID, err := ownerFromContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return 0, 0, domain.ErrInvalidID
	}
	return ownerID, parsed, nil
}

func ownerFromContext(ctx context.Context) (snowflake.ID, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return 0, errs.ErrUnauthorized
	}
	return ownerID, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", domain.ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", domain.ErrInvalidURL
	}
	return u.String(), nil
}

func encodeEvents(events []string) (datatypes.JSON, error) {
	seen := make(map[string]struct{}, len(events))
	cleaned := make([]string, 0, len(events))
	for _, event := range events {
		event = strings.TrimSpace(event)
		if !billingevent.IsKnownEvent(event) {
			return nil, domain.ErrInvalidEvents
		}
		if _, dup := seen[event]; dup {
			continue
		}
		seen[event] = struct{}{}
		cleaned = append(cleaned, event)
	}
	if len(cleaned) == 0 {
		return nil, domain.ErrInvalidEvents
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
