package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	obsmetrics "github.com/smallbiznis/subchain/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRelay struct {
	calls atomic.Int32
	n     int
	err   error
}

func (r *countingRelay) RelayOnce(context.Context) (int, error) {
	r.calls.Add(1)
	return r.n, r.err
}

type countingRecovery struct {
	calls atomic.Int32
}

func (r *countingRecovery) Recover(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

type batchSweeper struct {
	mu      sync.Mutex
	batches []int
	grace   time.Duration
	now     time.Time
}

func (s *batchSweeper) SweepOverdue(_ context.Context, now time.Time, grace time.Duration, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now, s.grace = now, grace
	if len(s.batches) == 0 {
		return 0, nil
	}
	moved := s.batches[0]
	s.batches = s.batches[1:]
	return moved, nil
}

func newTestScheduler(t *testing.T, cfg Config, registry prometheus.Registerer) (*Scheduler, *countingRelay, *countingRecovery, *batchSweeper) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	relay := &countingRelay{}
	recovery := &countingRecovery{}
	sweeper := &batchSweeper{}
	s := &Scheduler{
		log:      zap.NewNop(),
		cfg:      cfg.withDefaults(),
		genID:    node,
		clock:    clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		relay:    relay,
		recovery: recovery,
		sweeper:  sweeper,
	}
	if registry != nil {
		s.metrics = obsmetrics.NewBillingMetricsForTest(registry)
	}
	return s, relay, recovery, sweeper
}

func TestRunJobTimeoutDoesNotReturnErrorAndCountsReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	s, _, _, _ := newTestScheduler(t, Config{}, registry)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	runLabels := map[string]string{
		"service": "subchain",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "subchain_job_runs_total", runLabels); got != 1 {
		t.Fatalf("expected run count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "subchain",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.JobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "subchain_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobReturnsHardErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	s, _, _, _ := newTestScheduler(t, Config{}, registry)

	boom := errors.New("boom")
	err := s.runJob(context.Background(), "broken_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	labels := map[string]string{
		"service": "subchain",
		"env":     "test",
		"job":     "broken_job",
		"reason":  obsmetrics.JobReasonUnknown,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "subchain_job_errors_total", labels))
}

func TestRunJobCarriesRunIntoContext(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{}, nil)

	var seen *jobRun
	err := s.runJob(context.Background(), JobOutboxRelay, 0, time.Second, func(ctx context.Context) error {
		seen = jobRunFromContext(ctx)
		seen.AddProcessed(3)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, JobOutboxRelay, seen.job)
	assert.NotEmpty(t, seen.runID)
	assert.Equal(t, 3, seen.processedCount)
}

func TestOverdueSweepLoopsWhileBatchIsFull(t *testing.T) {
	s, _, _, sweeper := newTestScheduler(t, Config{SweepBatchSize: 2}, nil)
	sweeper.batches = []int{2, 2, 1, 2}

	var processed int
	err := s.runJob(context.Background(), JobOverdueSweep, 2, time.Second, func(ctx context.Context) error {
		err := s.OverdueSweepJob(ctx)
		processed = jobRunFromContext(ctx).processedCount
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 5, processed)
	assert.Equal(t, []int{2}, sweeper.batches, "stops after the first short batch")
	assert.Equal(t, config.DefaultPolicy().Billing.OverdueGrace, sweeper.grace)
	assert.Equal(t, s.clock.Now(), sweeper.now)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	s, relay, recovery, _ := newTestScheduler(t, Config{EnabledJobs: []string{"OUTBOX_RELAY"}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int32(1), relay.calls.Load())
	assert.Equal(t, int32(0), recovery.calls.Load())
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	s, relay, recovery, _ := newTestScheduler(t, Config{}, nil)
	relay.err = errors.New("relay down")

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobOutboxRelay)
	assert.Equal(t, int32(1), recovery.calls.Load(), "later jobs still run")
}

func TestStartRunsJobsOnInterval(t *testing.T) {
	s, relay, recovery, _ := newTestScheduler(t, Config{
		OutboxInterval:   20 * time.Millisecond,
		RecoveryInterval: 20 * time.Millisecond,
		EnabledJobs:      []string{JobOutboxRelay, JobDeliveryRecovery},
	}, nil)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")

	assert.Eventually(t, func() bool {
		return relay.calls.Load() >= 2 && recovery.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	after := relay.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, relay.calls.Load(), "no runs after stop")
	require.NoError(t, s.Stop())
}

func TestProvideConfigParsesJobList(t *testing.T) {
	cfg := ProvideConfig(config.Config{SchedulerJobs: " outbox_relay, ,overdue_sweep "})
	assert.Equal(t, []string{JobOutboxRelay, JobOverdueSweep}, cfg.EnabledJobs)
	assert.Equal(t, DefaultConfig().SweepBatchSize, cfg.SweepBatchSize)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, label := range metric.GetLabel() {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
