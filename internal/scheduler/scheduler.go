package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-co-op/gocron/v2"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/billingevent/outbox"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	obsmetrics "github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/smallbiznis/subchain/internal/webhook/dispatcher"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOutboxRelay      = "outbox_relay"
	JobDeliveryRecovery = "delivery_recovery"
	JobOverdueSweep     = "overdue_sweep"

	maxSweepRounds = 20
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type OutboxRelay interface {
	RelayOnce(ctx context.Context) (int, error)
}

type DeliveryRecovery interface {
	Recover(ctx context.Context) (int, error)
}

type OverdueSweeper interface {
	SweepOverdue(ctx context.Context, now time.Time, grace time.Duration, batchSize int) (int, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Relay      *outbox.Relay
	Dispatcher *dispatcher.Dispatcher
	Billing    billingdomain.Service
	Metrics    *obsmetrics.BillingMetrics `optional:"true"`
	Config     Config                     `optional:"true"`
}

// Scheduler runs the periodic background jobs on gocron.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.PolicyHolder
	relay    OutboxRelay
	recovery DeliveryRecovery
	sweeper  OverdueSweeper
	metrics  *obsmetrics.BillingMetrics

	mu     sync.Mutex
	cron   gocron.Scheduler
	cancel context.CancelFunc
}

type job struct {
	name     string
	interval time.Duration
	batch    int
	run      func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil || p.Relay == nil || p.Dispatcher == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		relay:    p.Relay,
		recovery: p.Dispatcher,
		sweeper:  p.Billing,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobOutboxRelay, s.cfg.OutboxInterval, 0, s.OutboxRelayJob},
		{JobDeliveryRecovery, s.cfg.RecoveryInterval, 0, s.DeliveryRecoveryJob},
		{JobOverdueSweep, s.cfg.SweepInterval, s.cfg.SweepBatchSize, s.OverdueSweepJob},
	}
}

// Start registers every enabled job with gocron. A job never overlaps
// itself; a run that is still busy pushes the next one back.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())

	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		_, err := cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(s.runScheduled, ctx, j),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("register %s: %w", j.name, err)
		}
		s.log.Info("scheduler.job.registered",
			zap.String("job", j.name),
			zap.Duration("interval", j.interval),
		)
	}

	cron.Start()
	s.cron = cron
	s.cancel = cancel
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	s.cancel()
	err := s.cron.Shutdown()
	s.cron = nil
	return err
}

func (s *Scheduler) runScheduled(ctx context.Context, j job) {
	if err := s.runJob(ctx, j.name, j.batch, s.cfg.JobTimeout, j.run); err != nil {
		s.log.Warn("scheduler job failed", zap.String("job", j.name), zap.Error(err))
	}
}

// RunOnce runs every enabled job once, in order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.runJob(parent, j.name, j.batch, s.cfg.JobTimeout, j.run))
		}
	}
	return err
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	// A deadline is a soft timeout: the next tick continues the work.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

func (s *Scheduler) OutboxRelayJob(ctx context.Context) error {
	n, err := s.relay.RelayOnce(ctx)
	jobRunFromContext(ctx).AddProcessed(n)
	return err
}

func (s *Scheduler) DeliveryRecoveryJob(ctx context.Context) error {
	n, err := s.recovery.Recover(ctx)
	jobRunFromContext(ctx).AddProcessed(n)
	return err
}

// OverdueSweepJob moves subscribers whose payment is overdue beyond the
// grace period to past_due, one batch at a time.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	grace := s.policy.Get().Billing.OverdueGrace
	now := s.clock.Now()

	for round := 0; round < maxSweepRounds; round++ {
		moved, err := s.sweeper.SweepOverdue(ctx, now, grace, s.cfg.SweepBatchSize)
		run.AddProcessed(moved)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobOverdueSweep, err)
			return err
		}
		if moved < s.cfg.SweepBatchSize {
			return nil
		}
	}
	return nil
}
