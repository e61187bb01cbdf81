package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/threadscout/internal/clock"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	postingprovider "github.com/smallbiznis/threadscout/internal/providers/posting"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tracking",
	fx.Provide(New),
)

const stage = "tracking"

// earlyRemovalChecks is the last check at which a removal counts as early.
const earlyRemovalChecks = 2

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Registry      *postingprovider.Registry
	Opportunities opportunitydomain.Service
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

// Handler checks how a posted comment is doing and schedules the next check.
type Handler struct {
	log           *zap.Logger
	clock         clock.Clock
	registry      *postingprovider.Registry
	opportunities opportunitydomain.Service
	metrics       *obsmetrics.Metrics
}

func New(p Params) *Handler {
	return &Handler{
		log:           p.Log.Named("tracking.handler"),
		clock:         p.Clock,
		registry:      p.Registry,
		opportunities: p.Opportunities,
		metrics:       p.Metrics,
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.TrackingPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
	}
	if payload.CheckNumber < 1 {
		return queue.Discard(fmt.Errorf("invalid check number %d", payload.CheckNumber))
	}
	ctx = obscontext.WithOpportunityID(ctx, payload.OpportunityID.String())

	opp, err := h.opportunities.Get(ctx, payload.OpportunityID)
	if errors.Is(err, opportunitydomain.ErrNotFound) {
		return queue.Discard(err)
	}
	if err != nil {
		return err
	}
	ctx = obscontext.WithCampaignID(ctx, opp.CampaignID.String())
	log := obslogger.WithContext(ctx, h.log).With(zap.Int("check", payload.CheckNumber))
	if opp.Status != opportunitydomain.StatusPosted {
		log.Debug("not tracking", zap.String("status", string(opp.Status)))
		return nil
	}

	provider, err := h.registry.ByName(opp.PostedProvider)
	if err != nil {
		return queue.Discard(fmt.Errorf("provider %q: %w", opp.PostedProvider, err))
	}
	perf, err := provider.CheckPerformance(ctx, opp.PostedCommentID, payload.CheckNumber)
	if err != nil {
		return fmt.Errorf("check performance: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordTrackingCheck(ctx, provider.Name(), perf.Status.Removed)
	}

	snap := opportunitydomain.TrackingSnapshot{
		CheckNumber: payload.CheckNumber,
		Score:       perf.Status.Score,
		Replies:     perf.Status.Replies,
		Removed:     perf.Status.Removed,
		CheckedAt:   h.clock.Now(),
	}
	record := func(m *opportunitydomain.Metadata) { m.AppendSnapshot(snap) }

	if perf.Status.Removed && payload.CheckNumber <= earlyRemovalChecks {
		_, err := h.opportunities.Apply(ctx, opportunitydomain.Change{
			ID:    opp.ID,
			Event: opportunitydomain.EventRemovedEarly,
			Mutate: func(m *opportunitydomain.Metadata) {
				m.AppendSnapshot(snap)
				m.RemovedEarly = true
				m.Error = &opportunitydomain.FailureDetail{
					Message:    "comment removed shortly after posting",
					Stage:      stage,
					Code:       "removed_early",
					OccurredAt: snap.CheckedAt,
				}
			},
		})
		if err != nil && !isRace(err) {
			return err
		}
		log.Warn("comment removed early")
		return nil
	}

	change := opportunitydomain.Change{
		ID:     opp.ID,
		Expect: opportunitydomain.StatusPosted,
		Mutate: record,
	}
	if next := perf.NextCheckDelay; next != nil && !perf.Status.Removed {
		change.Handoff = opportunitydomain.HandoffTracking
		change.TrackingCheck = payload.CheckNumber + 1
		change.TrackingDelay = *next
	}
	if _, err := h.opportunities.Apply(ctx, change); err != nil {
		if isRace(err) {
			return nil
		}
		return fmt.Errorf("record snapshot: %w", err)
	}
	log.Info("tracking check recorded",
		zap.Int("score", snap.Score),
		zap.Bool("removed", snap.Removed),
		zap.Bool("final", change.Handoff == opportunitydomain.HandoffNone),
	)
	return nil
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.TrackingPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	// A posted comment stays POSTED when tracking gives up; only the log records it.
	obslogger.WithContext(ctx, h.log).Warn("tracking abandoned",
		zap.String("opportunity_id", payload.OpportunityID.String()),
		zap.Int("check", payload.CheckNumber),
		zap.Error(cause),
	)
}

func isRace(err error) bool {
	return errors.Is(err, opportunitydomain.ErrStatusChanged) || errors.Is(err, opportunitydomain.ErrInvalidTransition)
}
