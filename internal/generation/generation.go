package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/llm"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

var Module = fx.Module("generation",
	fx.Provide(New),
)

const (
	stage = "generation"
	// NoFitSentinel is what the model answers when the brand has no natural place in the thread.
	NoFitSentinel = "NO_NATURAL_FIT"
)

var postTypeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"type": {
			Type: genai.TypeString,
			Enum: []string{
				string(opportunitydomain.PostTypeShowcase),
				string(opportunitydomain.PostTypeQuestion),
				string(opportunitydomain.PostTypeDiscussion),
			},
		},
	},
	Required: []string{"type"},
}

type Params struct {
	fx.In

	Config        config.Config
	Log           *zap.Logger
	LLM           llm.Client
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Policies      *config.PipelineConfigHolder
}

// Handler writes reply candidates for approved opportunities and routes the best one.
type Handler struct {
	generationModel string
	classifierModel string
	log             *zap.Logger
	llm             llm.Client
	campaigns       campaigndomain.Service
	opportunities   opportunitydomain.Service
	policies        *config.PipelineConfigHolder
}

func New(p Params) *Handler {
	return &Handler{
		generationModel: p.Config.LLM.GenerationModel,
		classifierModel: p.Config.LLM.ClassifierModel,
		log:             p.Log.Named("generation.handler"),
		llm:             p.LLM,
		campaigns:       p.Campaigns,
		opportunities:   p.Opportunities,
		policies:        p.Policies,
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.GenerationPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
	}
	ctx = obscontext.WithOpportunityID(ctx, payload.OpportunityID.String())
	log := obslogger.WithContext(ctx, h.log).With(zap.Int("version", payload.Version))

	opp, err := h.opportunities.Get(ctx, payload.OpportunityID)
	if errors.Is(err, opportunitydomain.ErrNotFound) {
		return queue.Discard(err)
	}
	if err != nil {
		return err
	}

	switch {
	case opp.CommentVersion >= payload.Version:
		log.Debug("version already generated")
		return nil
	case opp.Status == opportunitydomain.StatusApproved:
		opp, err = h.opportunities.Apply(ctx, opportunitydomain.Change{ID: opp.ID, Event: opportunitydomain.EventStartGeneration})
		if err != nil {
			if isRace(err) {
				return nil
			}
			return err
		}
	case opp.Status == opportunitydomain.StatusGenerating:
		// A previous attempt died mid-generation; pick it up again.
	default:
		log.Debug("not awaiting generation", zap.String("status", string(opp.Status)))
		return nil
	}

	campaign, err := h.campaigns.Get(ctx, opp.CampaignID)
	if err != nil {
		return err
	}

	policy := h.policies.Get().Generation
	postType := h.classify(ctx, &opp)
	persona := pickPersona(policy.Personas, opp.ID.Int64()+int64(payload.Version))
	messages := buildPrompt(&opp, &campaign, persona, postType, policy.BannedPhrases)

	candidates, noFit, err := h.candidates(ctx, messages, policy, campaign.Profile().Name)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		_, err := h.opportunities.Apply(ctx, opportunitydomain.Change{
			ID:    opp.ID,
			Event: opportunitydomain.EventNoFit,
			Fields: map[string]any{
				"comment_version": payload.Version,
			},
			Mutate: func(m *opportunitydomain.Metadata) {
				m.SkipReason = opportunitydomain.SkipNoRelevantComment
				m.SkipDetail = fmt.Sprintf("%d of %d drafts found no natural fit", noFit, len(policy.Temperatures))
				m.PostType = postType
				m.Persona = persona.Name
			},
		})
		if err != nil && !isRace(err) {
			return err
		}
		log.Info("no natural fit, opportunity skipped")
		return nil
	}

	best := selectBest(candidates)
	change := opportunitydomain.Change{
		ID: opp.ID,
		Fields: map[string]any{
			"comment_text":    candidates[best].Text,
			"comment_version": payload.Version,
		},
		Mutate: func(m *opportunitydomain.Metadata) {
			m.Candidates = candidates
			m.PostType = postType
			m.Persona = persona.Name
			m.Error = nil
		},
	}
	if campaign.AutomationMode == campaigndomain.ModeFullManual {
		change.Event = opportunitydomain.EventCommentReady
	} else {
		change.Event = opportunitydomain.EventQueuePosting
		change.Handoff = opportunitydomain.HandoffPosting
	}
	if _, err := h.opportunities.Apply(ctx, change); err != nil {
		if isRace(err) {
			return nil
		}
		return err
	}

	log.Info("comment generated",
		zap.String("event", string(change.Event)),
		zap.Float64("score", candidates[best].Score),
		zap.String("post_type", string(postType)),
	)
	return nil
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.GenerationPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := h.opportunities.MarkExhausted(ctx, payload.OpportunityID, stage, job.Attempts, cause); err != nil {
		obslogger.WithContext(ctx, h.log).Warn("mark exhausted failed", zap.Error(err))
	}
}

// candidates drafts one reply per temperature. It fails only when every draft
// call failed; sentinel answers are counted and dropped.
func (h *Handler) candidates(ctx context.Context, messages []llm.Message, policy config.GenerationPolicy, brand string) ([]opportunitydomain.Candidate, int, error) {
	temps := policy.Temperatures
	if len(temps) == 0 {
		temps = config.DefaultPipelineConfig().Generation.Temperatures
	}

	var (
		out     []opportunitydomain.Candidate
		noFit   int
		lastErr error
	)
	for _, temp := range temps {
		text, err := h.llm.ChatCompletion(ctx, h.generationModel, messages, temp)
		if err != nil {
			lastErr = err
			h.log.Warn("draft failed", zap.Float32("temperature", temp), zap.Error(err))
			continue
		}
		text = cleanReply(text)
		if isNoFit(text) {
			noFit++
			continue
		}
		if text == "" {
			continue
		}
		out = append(out, opportunitydomain.Candidate{
			Text:        text,
			Temperature: temp,
			Score:       Score(text, brand, policy.BannedPhrases),
		})
	}
	if len(out) == 0 && noFit == 0 {
		if lastErr == nil {
			lastErr = llm.ErrEmptyResponse
		}
		return nil, 0, fmt.Errorf("generate comment: %w", lastErr)
	}
	return out, noFit, nil
}

// classify falls back to discussion when the classifier is unavailable.
func (h *Handler) classify(ctx context.Context, opp *opportunitydomain.Opportunity) opportunitydomain.PostType {
	var out struct {
		Type opportunitydomain.PostType `json:"type"`
	}
	messages := []llm.Message{
		llm.System("Classify the Reddit post as showcase (someone sharing their own project), question (asking for help or recommendations) or discussion (anything else). Respond with JSON {\"type\": ...}."),
		llm.User(fmt.Sprintf("Title: %s\n\n%s", opp.Title, opp.BodyExcerpt)),
	}
	if err := h.llm.ChatCompletionJSON(ctx, h.classifierModel, postTypeSchema, messages, &out); err != nil {
		h.log.Debug("post type classification failed", zap.Error(err))
		return opportunitydomain.PostTypeDiscussion
	}
	if !out.Type.Valid() {
		return opportunitydomain.PostTypeDiscussion
	}
	return out.Type
}

func selectBest(candidates []opportunitydomain.Candidate) int {
	best := 0
	for i := range candidates {
		if candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	candidates[best].Selected = true
	return best
}

func pickPersona(personas []config.Persona, seed int64) config.Persona {
	if len(personas) == 0 {
		personas = config.DefaultPipelineConfig().Generation.Personas
	}
	if seed < 0 {
		seed = -seed
	}
	return personas[seed%int64(len(personas))]
}

func cleanReply(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"")
	return strings.TrimSpace(text)
}

func isNoFit(text string) bool {
	return strings.Contains(strings.ToUpper(text), NoFitSentinel)
}

func isRace(err error) bool {
	return errors.Is(err, opportunitydomain.ErrStatusChanged) || errors.Is(err, opportunitydomain.ErrInvalidTransition)
}
