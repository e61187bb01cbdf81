package campaign

import (
	"github.com/smallbiznis/threadscout/internal/campaign/repository"
	"github.com/smallbiznis/threadscout/internal/campaign/service"
	"go.uber.org/fx"
)

var Module = fx.Module("campaign.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
