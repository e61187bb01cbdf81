package siteanalysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	campaignworker "github.com/smallbiznis/threadscout/internal/campaign/worker"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/llm"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obstracing "github.com/smallbiznis/threadscout/internal/observability/tracing"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

var Module = fx.Module("siteanalysis",
	fx.Provide(New),
)

const (
	fetchTimeout  = 20 * time.Second
	maxPageBytes  = 2 << 20
	maxPromptText = 12000
	userAgent     = "threadscout-site-analysis/1.0"
)

var (
	ErrNoWebsite   = errors.New("campaign_has_no_website")
	ErrEmptyPage   = errors.New("site_page_empty")
	ErrFetchFailed = errors.New("site_fetch_failed")
)

var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"description":     {Type: genai.TypeString, Description: "Two or three sentences on what the product does"},
		"valueProps":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"tone":            {Type: genai.TypeString, Description: "How the brand talks, in a few words"},
		"targetAudience":  {Type: genai.TypeString},
		"featureKeywords": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Search phrases people use for the problem the product solves"},
		"competitors":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"subreddits":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Communities where the audience asks for help, without the r/ prefix"},
	},
	Required: []string{"description", "valueProps", "tone", "featureKeywords"},
}

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	LLM       llm.Client
	Campaigns campaigndomain.Service
	Queue     *queue.Store
	Client    *http.Client `name:"siteanalysis" optional:"true"`
}

// Handler fills in a campaign's business profile from its website.
type Handler struct {
	model     string
	log       *zap.Logger
	llm       llm.Client
	campaigns campaigndomain.Service
	queue     *queue.Store
	client    *http.Client
}

func New(p Params) *Handler {
	client := p.Client
	if client == nil {
		client = obstracing.WrapHTTPClient(&http.Client{Timeout: fetchTimeout})
	}
	return &Handler{
		model:     p.Config.LLM.AnalysisModel,
		log:       p.Log.Named("siteanalysis.handler"),
		llm:       p.LLM,
		campaigns: p.Campaigns,
		queue:     p.Queue,
		client:    client,
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.SiteAnalysisPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
	}
	ctx = obscontext.WithCampaignID(ctx, payload.CampaignID.String())
	log := obslogger.WithContext(ctx, h.log)

	campaign, err := h.campaigns.Get(ctx, payload.CampaignID)
	if errors.Is(err, campaigndomain.ErrNotFound) {
		return queue.Discard(err)
	}
	if err != nil {
		return err
	}
	profile := campaign.Profile()
	if strings.TrimSpace(profile.WebsiteURL) == "" {
		return queue.Discard(ErrNoWebsite)
	}

	analysis, err := h.Analyze(ctx, profile)
	if err != nil {
		return err
	}
	if err := h.campaigns.ApplySiteAnalysis(ctx, campaign.ID, analysis); err != nil {
		return fmt.Errorf("apply site analysis: %w", err)
	}
	log.Info("site analysed",
		zap.Int("feature_keywords", len(analysis.FeatureKeywords)),
		zap.Int("competitors", len(analysis.Competitors)),
		zap.Int("subreddits", len(analysis.Subreddits)),
	)

	if payload.ThenDiscover && campaign.DiscoveryAllowed() {
		return campaignworker.EnqueueMiner(ctx, h.queue, campaign.ID, job.ID.String())
	}
	return nil
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.SiteAnalysisPayload
	_ = job.Decode(&payload)
	log := obslogger.WithContext(ctx, h.log)
	log.Error("site analysis exhausted", zap.String("campaign_id", payload.CampaignID.String()), zap.Error(cause))

	// Discovery still runs on whatever keywords the owner entered.
	if payload.ThenDiscover && payload.CampaignID != 0 {
		if err := campaignworker.EnqueueMiner(ctx, h.queue, payload.CampaignID, job.ID.String()); err != nil {
			log.Warn("enqueue miner after failed analysis", zap.Error(err))
		}
	}
}

// Analyze asks a search-grounded model about the website and falls back to
// reading the page itself when the grounded call fails.
func (h *Handler) Analyze(ctx context.Context, profile campaigndomain.BusinessProfile) (campaigndomain.SiteAnalysis, error) {
	log := obslogger.WithContext(ctx, h.log)

	var analysis campaigndomain.SiteAnalysis
	text, err := h.llm.GroundedCompletion(ctx, h.model, groundedPrompt(profile))
	if err == nil {
		if err = llm.DecodeJSON(text, &analysis); err == nil {
			return analysis, nil
		}
	}
	log.Warn("grounded analysis failed, reading the page", zap.Error(err))

	page, err := h.fetch(ctx, profile.WebsiteURL)
	if err != nil {
		return campaigndomain.SiteAnalysis{}, err
	}
	if err := h.llm.ChatCompletionJSON(ctx, h.model, analysisSchema, pagePrompt(profile, page), &analysis); err != nil {
		return campaigndomain.SiteAnalysis{}, fmt.Errorf("analyse page content: %w", err)
	}
	return analysis, nil
}

// fetch downloads the page and returns its readable text.
func (h *Handler) fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return "", queue.Discard(fmt.Errorf("parse website url: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), pageURL)
	if err != nil {
		return "", fmt.Errorf("extract page content: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", ErrEmptyPage
	}
	if title := strings.TrimSpace(article.Title); title != "" {
		text = title + "\n\n" + text
	}
	return truncate(text, maxPromptText), nil
}

func groundedPrompt(profile campaigndomain.BusinessProfile) []llm.Message {
	return []llm.Message{
		llm.System("You research software products for a community marketing team. " +
			"Answer with a single JSON object and nothing else, using the keys " +
			"description, valueProps, tone, targetAudience, featureKeywords, competitors and subreddits."),
		llm.User(fmt.Sprintf("Look up %s (%s). Summarise what it does, who it is for and how it talks. "+
			"List up to 8 phrases people search when they have the problem it solves, up to 5 competitors "+
			"and up to 5 subreddits where its audience asks for recommendations.", profile.Name, profile.WebsiteURL)),
	}
}

func pagePrompt(profile campaigndomain.BusinessProfile, page string) []llm.Message {
	return []llm.Message{
		llm.System("You research software products for a community marketing team. Work only from the page text provided."),
		llm.User(fmt.Sprintf("Product: %s\nWebsite: %s\n\nPage text:\n%s", profile.Name, profile.WebsiteURL, page)),
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
