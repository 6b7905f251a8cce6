package billing

import (
	"github.com/smallbiznis/subchain/internal/billing/repository"
	"github.com/smallbiznis/subchain/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(service.ProvideService),
	fx.Provide(service.ProvideLedger),
)
