// Package app groups the fx modules each process composes.
package app

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/campaign"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/dedup"
	"github.com/smallbiznis/threadscout/internal/kv"
	"github.com/smallbiznis/threadscout/internal/ledger"
	"github.com/smallbiznis/threadscout/internal/llm"
	"github.com/smallbiznis/threadscout/internal/migration"
	"github.com/smallbiznis/threadscout/internal/notify"
	"github.com/smallbiznis/threadscout/internal/observability"
	"github.com/smallbiznis/threadscout/internal/opportunity"
	"github.com/smallbiznis/threadscout/internal/pipeline"
	"github.com/smallbiznis/threadscout/internal/progress"
	"github.com/smallbiznis/threadscout/internal/providers"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/ratelimit"
	"github.com/smallbiznis/threadscout/internal/reddit"
	"github.com/smallbiznis/threadscout/internal/scheduler"
	"github.com/smallbiznis/threadscout/internal/server"
	"github.com/smallbiznis/threadscout/pkg/db"
	"go.uber.org/fx"
)

// Core is shared by every process: config, logging, storage and ids.
var Core = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	clock.Module,
)

// Domain holds the services the API and the workers both call.
var Domain = fx.Options(
	kv.Module,
	queue.Module,
	campaign.Module,
	opportunity.Module,
	ledger.Module,
	progress.Module,
)

// API serves the review API.
var API = fx.Options(
	server.Module,
)

// Worker runs every stage pool plus the periodic scheduler.
var Worker = fx.Options(
	ratelimit.Module,
	dedup.Module,
	reddit.Module,
	llm.Module,
	providers.Module,
	notify.Module,
	pipeline.Module,
	scheduler.Module,
)

// Migrate applies the schema and nothing else.
var Migrate = fx.Options(
	config.Module,
	observability.Module,
	db.Module,
	migration.Module,
)

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.WorkerID % 1024)
}
