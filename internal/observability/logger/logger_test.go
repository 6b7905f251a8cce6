package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/subchain/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDescribeStatement(t *testing.T) {
	cases := []struct {
		sql  string
		want statement
	}{
		{
			sql:  `SELECT * FROM "plans" WHERE id = $1 FOR UPDATE`,
			want: statement{operation: "SELECT", table: "plans", locking: true},
		},
		{
			sql:  "UPDATE subscribers SET status = ? WHERE id = ?",
			want: statement{operation: "UPDATE", table: "subscribers"},
		},
		{
			sql:  "INSERT INTO `webhook_events` (id) VALUES (?)",
			want: statement{operation: "INSERT", table: "webhook_events"},
		},
		{
			sql:  "DELETE FROM billing_events WHERE published = true",
			want: statement{operation: "DELETE", table: "billing_events"},
		},
		{
			sql:  "",
			want: statement{operation: "UNKNOWN", table: "unknown"},
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, describeStatement(tc.sql), tc.sql)
	}
}

func TestWithContextOmitsMissingFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	WithContext(context.Background(), base).Info("bare")

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOwnerID(ctx, "42")
	WithContext(ctx, base).Info("scoped")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Empty(t, entries[0].ContextMap())
		fields := entries[1].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "42", fields["owner_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}
