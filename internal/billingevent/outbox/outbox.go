package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/internal/billingevent/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_event")

type Params struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

// Outbox writes billing events inside the caller's transaction and signals
// the relay through a coalescing channel.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
	nudge chan struct{}
}

func New(p Params) *Outbox {
	return &Outbox{
		genID: p.GenID,
		clock: p.Clock,
		nudge: make(chan struct{}, 1),
	}
}

func Provide(o *Outbox) domain.Publisher { return o }

func (o *Outbox) Publish(ctx context.Context, tx *gorm.DB, event domain.Event) error {
	event.Type = strings.TrimSpace(event.Type)
	if event.OwnerID == 0 || event.Type == "" {
		return ErrInvalidEvent
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	row := domain.BillingEvent{
		ID:        o.genID.Generate(),
		OwnerID:   event.OwnerID,
		EventType: event.Type,
		Payload:   datatypes.JSON(payload),
		CreatedAt: o.clock.Now(),
	}
	if key := strings.TrimSpace(event.DedupeKey); key != "" {
		row.DedupeKey = &key
	}
	return tx.WithContext(ctx).Create(&row).Error
}

func (o *Outbox) Notify() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// Wake delivers a signal whenever Notify was called since the last receive.
func (o *Outbox) Wake() <-chan struct{} {
	return o.nudge
}
