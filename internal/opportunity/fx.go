package opportunity

import (
	"github.com/smallbiznis/threadscout/internal/opportunity/repository"
	"github.com/smallbiznis/threadscout/internal/opportunity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("opportunity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
