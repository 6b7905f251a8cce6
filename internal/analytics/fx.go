package analytics

import (
	"github.com/smallbiznis/subchain/internal/analytics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.service",
	fx.Provide(service.NewService),
)
