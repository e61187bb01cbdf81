package reddit

import (
	"github.com/smallbiznis/threadscout/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("reddit",
	fx.Provide(
		func(l *ratelimit.FetchLimiter) Limiter { return l },
		fx.Annotate(NewHTTPClient, fx.As(new(Client))),
	),
)
