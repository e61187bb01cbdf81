package providers

import (
	"github.com/smallbiznis/threadscout/internal/providers/email"
	"github.com/smallbiznis/threadscout/internal/providers/posting"
	"github.com/smallbiznis/threadscout/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
	posting.Module,
)
