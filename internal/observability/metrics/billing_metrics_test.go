package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/subchain/internal/errs"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "store_unavailable", err: errs.StoreUnavailable(errors.New("dial")), want: JobReasonStoreUnavailable},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDeliveryCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetricsForTest(reg)

	m.IncDelivery(DeliveryOutcomeDelivered)
	m.IncDelivery(DeliveryOutcomeRetry)
	m.IncDelivery(DeliveryOutcomeRetry)
	m.IncDeactivation()

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(DeliveryOutcomeRetry)); got != 2 {
		t.Fatalf("expected 2 retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.deactivations); got != 1 {
		t.Fatalf("expected 1 deactivation, got %v", got)
	}
}

func TestJobErrorsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetricsForTest(reg)

	m.IncJobRun("outbox_relay")
	m.IncJobError("outbox_relay", &pgconn.PgError{Code: "55P03"})

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("outbox_relay")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("outbox_relay", JobReasonDBLockTimeout)); got != 1 {
		t.Fatalf("expected 1 lock timeout error, got %v", got)
	}
}
