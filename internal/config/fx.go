package config

import (
	"github.com/smallbiznis/threadscout/pkg/db"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPipelineConfigHolder),
	fx.Provide(func(cfg Config) db.Config { return cfg.Database }),
)
