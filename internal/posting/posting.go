package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	ledgerdomain "github.com/smallbiznis/threadscout/internal/ledger/domain"
	"github.com/smallbiznis/threadscout/internal/notify"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	postingprovider "github.com/smallbiznis/threadscout/internal/providers/posting"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("posting",
	fx.Provide(New),
)

const (
	stage      = "posting"
	creditCost = 1
)

var ErrPostFailed = errors.New("post_failed")

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Registry      *postingprovider.Registry
	Ledger        ledgerdomain.Service
	Campaigns     campaigndomain.Service
	CampaignRepo  campaigndomain.Repository
	Opportunities opportunitydomain.Service
	Policies      *config.PipelineConfigHolder
	Notifier      *notify.Notifier    `optional:"true"`
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

// Handler runs the posting sequence: charge a credit, post through the first
// available provider, then record the outcome or give the credit back.
type Handler struct {
	log           *zap.Logger
	clock         clock.Clock
	registry      *postingprovider.Registry
	ledger        ledgerdomain.Service
	campaigns     campaigndomain.Service
	campaignRepo  campaigndomain.Repository
	opportunities opportunitydomain.Service
	policies      *config.PipelineConfigHolder
	notifier      *notify.Notifier
	metrics       *obsmetrics.Metrics
}

func New(p Params) *Handler {
	return &Handler{
		log:           p.Log.Named("posting.handler"),
		clock:         p.Clock,
		registry:      p.Registry,
		ledger:        p.Ledger,
		campaigns:     p.Campaigns,
		campaignRepo:  p.CampaignRepo,
		opportunities: p.Opportunities,
		policies:      p.Policies,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
	}
}

// attemptKeys names the ledger entries of one posting attempt.
type attemptKeys struct {
	deduct string
	refund string
}

func keysFor(oppID snowflake.ID, version, attempt int) attemptKeys {
	deduct := fmt.Sprintf("posting:%s:v%d:a%d", oppID, version, attempt)
	return attemptKeys{deduct: deduct, refund: "refund:" + deduct}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.PostingPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
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
	log := obslogger.WithContext(ctx, h.log)
	if opp.Status != opportunitydomain.StatusPosting {
		log.Debug("not awaiting posting", zap.String("status", string(opp.Status)))
		return nil
	}

	h.reconcile(ctx, &opp, job.Attempts)
	keys := keysFor(opp.ID, opp.CommentVersion, job.Attempts)

	charged, err := h.ledger.DeductCredits(ctx, ledgerdomain.DeductRequest{
		UserID:         opp.UserID,
		Amount:         creditCost,
		Reason:         ledgerdomain.ReasonCampaignUsage,
		Context:        fmt.Sprintf("reply on r/%s thread %s", opp.Subreddit, opp.ThreadID),
		IdempotencyKey: keys.deduct,
	})
	if err != nil {
		return fmt.Errorf("deduct credit: %w", err)
	}
	if !charged.Success {
		log.Info("insufficient credits, not posting", zap.Int64("balance", charged.Balance.Total()))
		return h.fail(ctx, opp.ID, "insufficient_credits", "not enough credits to post")
	}

	provider, err := h.registry.FirstAvailable(ctx)
	if err != nil {
		if rerr := h.refund(ctx, &opp, keys, ledgerdomain.ReasonRefundNoProvider); rerr != nil {
			return rerr
		}
		log.Warn("no posting provider available")
		return h.fail(ctx, opp.ID, "no_provider", err.Error())
	}

	result, err := provider.PostComment(ctx, postingprovider.PostRequest{
		ThreadURL:       opp.Permalink,
		CommentText:     opp.CommentText,
		Subreddit:       opp.Subreddit,
		ParentCommentID: opp.ParentCommentID,
		IdempotencyKey:  fmt.Sprintf("posting:%s:v%d", opp.ID, opp.CommentVersion),
	})
	if err != nil {
		result = postingprovider.PostResult{Error: err.Error(), Retryable: true}
	}
	if result.Success {
		h.recordPost(ctx, provider.Name(), "success")
		return h.posted(ctx, &opp, provider.Name(), result)
	}

	if err := h.refund(ctx, &opp, keys, ledgerdomain.ReasonRefundPostingFailed); err != nil {
		return err
	}
	if result.Retryable {
		h.recordPost(ctx, provider.Name(), "retryable")
		return fmt.Errorf("%w via %s: %s", ErrPostFailed, provider.Name(), result.Error)
	}
	h.recordPost(ctx, provider.Name(), "terminal")
	return h.skip(ctx, &opp, provider.Name(), result.Error)
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.PostingPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := h.opportunities.MarkExhausted(ctx, payload.OpportunityID, stage, job.Attempts, cause); err != nil {
		obslogger.WithContext(ctx, h.log).Warn("mark exhausted failed", zap.Error(err))
	}
}

// reconcile refunds any charge an earlier attempt made without settling it,
// which happens when a worker dies between charging and refunding.
func (h *Handler) reconcile(ctx context.Context, opp *opportunitydomain.Opportunity, attempt int) {
	for prev := 1; prev < attempt; prev++ {
		err := h.refund(ctx, opp, keysFor(opp.ID, opp.CommentVersion, prev), ledgerdomain.ReasonRefundPostingFailed)
		if err != nil && !errors.Is(err, ledgerdomain.ErrDeductionNotFound) {
			obslogger.WithContext(ctx, h.log).Warn("reconcile earlier attempt failed", zap.Int("attempt", prev), zap.Error(err))
		}
	}
}

func (h *Handler) refund(ctx context.Context, opp *opportunitydomain.Opportunity, keys attemptKeys, reason ledgerdomain.Reason) error {
	_, err := h.ledger.RefundCredits(ctx, ledgerdomain.RefundRequest{
		UserID:         opp.UserID,
		Amount:         creditCost,
		Reason:         reason,
		Context:        fmt.Sprintf("refund for thread %s", opp.ThreadID),
		DeductionKey:   keys.deduct,
		IdempotencyKey: keys.refund,
	})
	if err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	return nil
}

func (h *Handler) posted(ctx context.Context, opp *opportunitydomain.Opportunity, provider string, result postingprovider.PostResult) error {
	now := h.clock.Now()
	policy := h.policies.Get().Posting
	delay := policy.FirstTrackingDelay
	if delay <= 0 {
		delay = config.DefaultPipelineConfig().Posting.FirstTrackingDelay
	}

	_, err := h.opportunities.Apply(ctx, opportunitydomain.Change{
		ID:    opp.ID,
		Event: opportunitydomain.EventPosted,
		Fields: map[string]any{
			"posted_comment_id":  result.CommentID,
			"posted_comment_url": result.CommentURL,
			"posted_provider":    provider,
			"posted_at":          now,
		},
		Mutate: func(m *opportunitydomain.Metadata) {
			m.Error = nil
		},
		InTx: func(tx *gorm.DB) error {
			return h.campaignRepo.IncrementCreditsUsed(ctx, tx, opp.CampaignID, creditCost, now)
		},
		Handoff:       opportunitydomain.HandoffTracking,
		TrackingCheck: 1,
		TrackingDelay: delay,
	})
	if err != nil {
		return fmt.Errorf("record post: %w", err)
	}
	obslogger.WithContext(ctx, h.log).Info("comment posted",
		zap.String("provider", provider),
		zap.String("comment_id", result.CommentID),
	)
	return nil
}

// skip records a terminal provider failure and trips the campaign breaker
// when too many happened recently.
func (h *Handler) skip(ctx context.Context, opp *opportunitydomain.Opportunity, provider, reason string) error {
	now := h.clock.Now()
	_, err := h.opportunities.Apply(ctx, opportunitydomain.Change{
		ID:    opp.ID,
		Event: opportunitydomain.EventPostSkipped,
		Fields: map[string]any{
			"posting_failed_at": now,
			"posted_provider":   provider,
		},
		Mutate: func(m *opportunitydomain.Metadata) {
			m.SkipReason = opportunitydomain.SkipPostingFailed
			m.SkipDetail = reason
			m.Error = &opportunitydomain.FailureDetail{
				Message:    reason,
				Stage:      stage,
				Code:       "provider_rejected",
				OccurredAt: now,
			}
		},
	})
	if err != nil {
		if isRace(err) {
			return nil
		}
		return err
	}
	h.checkBreaker(ctx, opp.CampaignID, now)
	return nil
}

func (h *Handler) checkBreaker(ctx context.Context, campaignID snowflake.ID, now time.Time) {
	log := obslogger.WithContext(ctx, h.log)
	policy := h.policies.Get().Posting
	defaults := config.DefaultPipelineConfig().Posting
	threshold, window := policy.AutoPauseThreshold, policy.AutoPauseWindow
	if threshold <= 0 {
		threshold = defaults.AutoPauseThreshold
	}
	if window <= 0 {
		window = defaults.AutoPauseWindow
	}

	failures, err := h.opportunities.CountPostingFailuresSince(ctx, campaignID, now.Add(-window))
	if err != nil {
		log.Warn("count posting failures failed", zap.Error(err))
		return
	}
	if failures < int64(threshold) {
		return
	}

	reason := fmt.Sprintf("%d posting failures within %s", failures, window)
	paused, err := h.campaigns.AutoPause(ctx, campaignID, reason)
	if err != nil {
		log.Warn("auto-pause failed", zap.Error(err))
		return
	}
	if !paused || h.notifier == nil {
		return
	}
	campaign, err := h.campaigns.Get(ctx, campaignID)
	if err != nil {
		log.Warn("load paused campaign failed", zap.Error(err))
		return
	}
	h.notifier.CampaignAutoPaused(ctx, notify.AutoPauseNotice{
		Campaign: campaign,
		Failures: failures,
		Window:   window.String(),
	})
}

func (h *Handler) fail(ctx context.Context, id snowflake.ID, code, message string) error {
	now := h.clock.Now()
	_, err := h.opportunities.Apply(ctx, opportunitydomain.Change{
		ID:    id,
		Event: opportunitydomain.EventPostFailed,
		Mutate: func(m *opportunitydomain.Metadata) {
			m.Error = &opportunitydomain.FailureDetail{
				Message:    message,
				Stage:      stage,
				Code:       code,
				OccurredAt: now,
			}
		},
	})
	if err != nil && !isRace(err) {
		return err
	}
	return nil
}

func (h *Handler) recordPost(ctx context.Context, provider, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordPost(ctx, provider, outcome)
	}
}

func isRace(err error) bool {
	return errors.Is(err, opportunitydomain.ErrStatusChanged) || errors.Is(err, opportunitydomain.ErrInvalidTransition)
}
