package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subchain/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyDeliveryHost = "webhook:delivery:host:%s"

	// leaseMargin is added to the attempt timeout so the commit after the
	// HTTP call still runs under the lease.
	leaseMargin = 30 * time.Second
)

// DeliveryGuard coordinates webhook delivery across processes. A nil guard
// allows everything, which is the single-process mode used when no Redis
// address is configured.
type DeliveryGuard struct {
	leases *leaseStore
	bucket *TokenBucket

	hostRate  float64
	hostBurst int
}

func NewDeliveryGuard(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *DeliveryGuard {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis not configured, webhook delivery coordination is process-local")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return NewDeliveryGuardWithClient(client, cfg.DeliveryHostRate, cfg.DeliveryHostBurst)
}

func NewDeliveryGuardWithClient(client redis.Cmdable, hostRate float64, hostBurst int) *DeliveryGuard {
	return &DeliveryGuard{
		leases:    newLeaseStore(client),
		bucket:    NewTokenBucket(client),
		hostRate:  hostRate,
		hostBurst: hostBurst,
	}
}

func (g *DeliveryGuard) Enabled() bool {
	return g != nil
}

// LeaseEvent takes the cross-process delivery lease for one webhook event,
// held for the attempt timeout plus a margin. When acquired is false another
// process owns the attempt. release returns ErrLeaseLost if the lease
// expired before the attempt finished.
func (g *DeliveryGuard) LeaseEvent(ctx context.Context, eventID string, attemptTimeout time.Duration) (release func() error, acquired bool, err error) {
	if !g.Enabled() {
		return func() error { return nil }, true, nil
	}
	held, ok, err := g.leases.acquire(ctx, eventID, attemptTimeout+leaseMargin)
	if err != nil || !ok {
		return func() error { return nil }, false, err
	}
	return func() error {
		return g.leases.drop(context.WithoutCancel(ctx), held)
	}, true, nil
}

// AllowHost spends one token of the per-host delivery budget.
func (g *DeliveryGuard) AllowHost(ctx context.Context, host string) (bool, time.Duration, error) {
	if !g.Enabled() || g.hostRate <= 0 || g.hostBurst <= 0 {
		return true, 0, nil
	}
	decision, err := g.bucket.Allow(ctx, fmt.Sprintf(keyDeliveryHost, strings.ToLower(host)), g.hostRate, g.hostBurst)
	if err != nil {
		return false, 0, err
	}
	return decision.Allowed, decision.RetryAfter, nil
}
