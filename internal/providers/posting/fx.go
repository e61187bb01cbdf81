package posting

import (
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.posting",
	fx.Provide(NewRegistryFromConfig),
)

// NewRegistryFromConfig orders the managed-account provider before the sandbox.
func NewRegistryFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) *Registry {
	var providers []Provider
	if cfg.Posting.Endpoint != "" {
		providers = append(providers, NewHTTPProvider(HTTPConfig{
			Endpoint: cfg.Posting.Endpoint,
			Token:    cfg.Posting.Token,
			Timeout:  cfg.Posting.Timeout,
		}, nil, clk, log))
	}
	if cfg.Posting.SandboxEnabled {
		providers = append(providers, NewSandboxProvider(clk))
	}
	if len(providers) == 0 {
		log.Warn("no posting provider configured; posting jobs will refund and fail")
	}
	return NewRegistry(providers...)
}
