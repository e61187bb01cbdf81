package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/llm"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/progress"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

var Module = fx.Module("scoring",
	fx.Provide(New),
)

const stage = "scoring"

var relevanceSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score":     {Type: genai.TypeNumber, Description: "Relevance of the thread to the brand between 0 and 1"},
		"reasoning": {Type: genai.TypeString, Description: "One or two sentences explaining the score"},
	},
	Required: []string{"score", "reasoning"},
}

// Result is the model's relevance verdict.
type Result struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

type Params struct {
	fx.In

	Config        config.Config
	Log           *zap.Logger
	LLM           llm.Client
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Progress      *progress.Publisher `optional:"true"`
	Policies      *config.PipelineConfigHolder
}

// Handler scores newly discovered opportunities and routes them.
type Handler struct {
	model         string
	log           *zap.Logger
	llm           llm.Client
	campaigns     campaigndomain.Service
	opportunities opportunitydomain.Service
	progress      *progress.Publisher
	policies      *config.PipelineConfigHolder
}

func New(p Params) *Handler {
	return &Handler{
		model:         p.Config.LLM.ScoringModel,
		log:           p.Log.Named("scoring.handler"),
		llm:           p.LLM,
		campaigns:     p.Campaigns,
		opportunities: p.Opportunities,
		progress:      p.Progress,
		policies:      p.Policies,
	}
}

// Decide maps a relevance score and automation mode to the next event.
func Decide(score float64, mode campaigndomain.AutomationMode, policy config.ScoringPolicy) opportunitydomain.Event {
	switch {
	case score < policy.SkipThreshold:
		return opportunitydomain.EventSkipLowRelevance
	case mode == campaigndomain.ModeAutopilot:
		return opportunitydomain.EventAutoApprove
	case score >= policy.AutoGenerateThreshold:
		return opportunitydomain.EventAutoApprove
	default:
		return opportunitydomain.EventNeedsReview
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.ScoringPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
	}
	ctx = obscontext.WithOpportunityID(ctx, payload.OpportunityID.String())
	log := obslogger.WithContext(ctx, h.log)

	opp, err := h.opportunities.Get(ctx, payload.OpportunityID)
	if errors.Is(err, opportunitydomain.ErrNotFound) {
		return queue.Discard(err)
	}
	if err != nil {
		return err
	}
	if opp.Status != opportunitydomain.StatusDiscovered {
		log.Debug("already scored", zap.String("status", string(opp.Status)))
		return nil
	}

	campaign, err := h.campaigns.Get(ctx, opp.CampaignID)
	if err != nil {
		return err
	}

	result, err := h.score(ctx, &opp, &campaign)
	if err != nil {
		return err
	}

	event := Decide(result.Score, campaign.AutomationMode, h.policies.Get().Scoring)
	change := opportunitydomain.Change{
		ID:    opp.ID,
		Event: event,
		Fields: map[string]any{
			"relevance_score":     result.Score,
			"relevance_reasoning": result.Reasoning,
		},
	}
	switch event {
	case opportunitydomain.EventSkipLowRelevance:
		change.Mutate = func(m *opportunitydomain.Metadata) {
			m.SkipReason = opportunitydomain.SkipLowRelevance
		}
	case opportunitydomain.EventAutoApprove:
		change.Handoff = opportunitydomain.HandoffGeneration
	}

	if _, err := h.opportunities.Apply(ctx, change); err != nil {
		if isRace(err) {
			log.Info("opportunity moved while scoring", zap.Error(err))
			return nil
		}
		return err
	}

	h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
		p.ThreadsScored++
		p.Message = fmt.Sprintf("Scored %d threads", p.ThreadsScored)
		if p.ThreadsScored >= p.OpportunitiesCreated {
			p.Stage = progress.StageComplete
		}
	})
	log.Info("opportunity scored",
		zap.Float64("score", result.Score),
		zap.String("event", string(event)),
	)
	return nil
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.ScoringPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := h.opportunities.MarkExhausted(ctx, payload.OpportunityID, stage, job.Attempts, cause); err != nil {
		obslogger.WithContext(ctx, h.log).Warn("mark exhausted failed", zap.Error(err))
	}
}

func (h *Handler) score(ctx context.Context, opp *opportunitydomain.Opportunity, campaign *campaigndomain.Campaign) (Result, error) {
	profile := campaign.Profile()
	system := fmt.Sprintf(`You judge whether a Reddit thread is a natural place for %s to join the conversation.
Business: %s
Value propositions: %s
Audience: %s
Score 0 when the brand would be off-topic or unwelcome, 1 when the thread directly asks for what the business offers.
Respond with JSON: {"score": number between 0 and 1, "reasoning": string}.`,
		profile.Name, profile.Description, strings.Join(profile.ValueProps, "; "), profile.TargetAudience)
	user := fmt.Sprintf("Subreddit: r/%s\nMatched keyword: %s\nTitle: %s\n\n%s",
		opp.Subreddit, opp.MatchedKeyword, opp.Title, opp.BodyExcerpt)

	var result Result
	if err := h.llm.ChatCompletionJSON(ctx, h.model, relevanceSchema, []llm.Message{llm.System(system), llm.User(user)}, &result); err != nil {
		return Result{}, fmt.Errorf("score opportunity: %w", err)
	}
	result.Score = clamp(result.Score)
	result.Reasoning = strings.TrimSpace(result.Reasoning)
	return result, nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(1, v))
}

func isRace(err error) bool {
	return errors.Is(err, opportunitydomain.ErrStatusChanged) || errors.Is(err, opportunitydomain.ErrInvalidTransition)
}
