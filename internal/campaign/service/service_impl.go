package service

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Queue    *queue.Store
	Policies *config.PipelineConfigHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	queue    *queue.Store
	policies *config.PipelineConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("campaign.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		queue:    p.Queue,
		policies: p.Policies,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if req.UserID == 0 {
		return domain.Campaign{}, domain.ErrInvalidUser
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Campaign{}, domain.ErrInvalidName
	}
	mode := req.AutomationMode
	if mode == "" {
		mode = domain.ModeSemiAuto
	}
	if !mode.Valid() {
		return domain.Campaign{}, domain.ErrInvalidMode
	}
	profile, err := normalizeProfile(req.Profile)
	if err != nil {
		return domain.Campaign{}, err
	}
	ownerEmail := strings.TrimSpace(req.OwnerEmail)
	if ownerEmail != "" {
		if _, err := mail.ParseAddress(ownerEmail); err != nil {
			return domain.Campaign{}, fmt.Errorf("%w: owner email", domain.ErrInvalidProfile)
		}
	}

	strategies := domain.Strategies{Feature: true, Brand: true, Competitor: true}
	if req.Strategies != nil {
		strategies = *req.Strategies
	}

	now := s.clock.Now()
	campaign := &domain.Campaign{
		ID:                 s.genID.Generate(),
		UserID:             req.UserID,
		Name:               name,
		Status:             domain.StatusDraft,
		AutomationMode:     mode,
		BusinessProfile:    datatypes.NewJSONType(profile),
		StrategyFeature:    strategies.Feature,
		StrategyBrand:      strategies.Brand,
		StrategyCompetitor: strategies.Competitor,
		OwnerEmail:         ownerEmail,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	campaign.Keywords, err = s.buildKeywords(campaign.ID, req.Keywords, now)
	if err != nil {
		return domain.Campaign{}, err
	}
	campaign.Communities, err = s.buildCommunities(campaign.ID, req.Communities, now)
	if err != nil {
		return domain.Campaign{}, err
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, campaign)
	}); err != nil {
		return domain.Campaign{}, err
	}

	s.logger(ctx).Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("mode", string(mode)),
		zap.Int("keywords", len(campaign.Keywords)),
		zap.Int("communities", len(campaign.Communities)),
	)
	return s.Get(ctx, campaign.ID)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Campaign, error) {
	if id == 0 {
		return domain.Campaign{}, domain.ErrInvalidID
	}
	campaign, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if campaign == nil {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return *campaign, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCampaignRequest) (domain.ListCampaignResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: int(req.PageSize)}
	if page.PageSize <= 0 {
		page.PageSize = pagination.DefaultPageSize
	}
	if page.PageSize > pagination.MaxPageSize {
		page.PageSize = pagination.MaxPageSize
	}

	items, err := s.repo.List(ctx, s.db, req.UserID, page)
	if err != nil {
		return domain.ListCampaignResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(page.PageSize), func(c *domain.Campaign) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(c.ID.Int64(), 10),
			CreatedAt: c.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > page.PageSize {
		items = items[:page.PageSize]
	}

	resp := domain.ListCampaignResponse{Campaigns: make([]domain.Campaign, 0, len(items))}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	for _, item := range items {
		resp.Campaigns = append(resp.Campaigns, *item)
	}
	return resp, nil
}

func (s *Service) UpdateDraft(ctx context.Context, req domain.UpdateDraftRequest) (domain.Campaign, error) {
	current, err := s.Get(ctx, req.ID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if current.Status != domain.StatusDraft {
		return domain.Campaign{}, domain.ErrNotDraft
	}

	now := s.clock.Now()
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Campaign{}, domain.ErrInvalidName
		}
		current.Name = name
	}
	if req.AutomationMode != nil {
		if !req.AutomationMode.Valid() {
			return domain.Campaign{}, domain.ErrInvalidMode
		}
		current.AutomationMode = *req.AutomationMode
	}
	if req.Profile != nil {
		profile, err := normalizeProfile(*req.Profile)
		if err != nil {
			return domain.Campaign{}, err
		}
		current.BusinessProfile = datatypes.NewJSONType(profile)
	}
	if req.Strategies != nil {
		current.StrategyFeature = req.Strategies.Feature
		current.StrategyBrand = req.Strategies.Brand
		current.StrategyCompetitor = req.Strategies.Competitor
	}
	current.UpdatedAt = now

	var keywords []domain.Keyword
	if req.Keywords != nil {
		if keywords, err = s.buildKeywords(current.ID, req.Keywords, now); err != nil {
			return domain.Campaign{}, err
		}
	}
	var communities []domain.Community
	if req.Communities != nil {
		if communities, err = s.buildCommunities(current.ID, req.Communities, now); err != nil {
			return domain.Campaign{}, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateDraft(ctx, tx, &current); err != nil {
			return err
		}
		if req.Keywords != nil {
			if err := s.repo.ReplaceKeywords(ctx, tx, current.ID, keywords); err != nil {
				return err
			}
		}
		if req.Communities != nil {
			if err := s.repo.ReplaceCommunities(ctx, tx, current.ID, communities); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	return s.Get(ctx, current.ID)
}

// Activate moves a DRAFT or PAUSED campaign to ACTIVE and enqueues the campaign job
// in the same transaction.
func (s *Service) Activate(ctx context.Context, id snowflake.ID) (domain.Campaign, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if current.Status != domain.StatusDraft && current.Status != domain.StatusPaused {
		return domain.Campaign{}, domain.ErrInvalidTransition
	}
	if len(current.ActiveKeywords()) == 0 && len(current.ActiveCommunities()) == 0 {
		return domain.Campaign{}, domain.ErrNothingToDiscover
	}
	if strings.TrimSpace(current.Profile().Name) == "" {
		return domain.Campaign{}, domain.ErrInvalidProfile
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.TransitionStatus(ctx, tx, id, []domain.Status{domain.StatusDraft, domain.StatusPaused}, domain.StatusActive, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		_, err = s.queue.Enqueue(ctx, tx, queue.EnqueueRequest{
			Queue:    queue.QueueCampaign,
			Payload:  queue.CampaignPayload{CampaignID: id},
			DedupKey: fmt.Sprintf("campaign:%s:activate:%d", id, now.Unix()),
		})
		return err
	})
	if err != nil {
		return domain.Campaign{}, err
	}

	s.logger(ctx).Info("campaign activated",
		zap.String("campaign_id", id.String()),
		zap.String("from_status", string(current.Status)),
	)
	return s.Get(ctx, id)
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID, reason string) (domain.Campaign, error) {
	return s.transition(ctx, id, []domain.Status{domain.StatusActive}, domain.StatusPaused, strings.TrimSpace(reason))
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID) (domain.Campaign, error) {
	return s.transition(ctx, id, []domain.Status{domain.StatusActive, domain.StatusPaused}, domain.StatusCompleted, "")
}

func (s *Service) AutoPause(ctx context.Context, id snowflake.ID, reason string) (bool, error) {
	if id == 0 {
		return false, domain.ErrInvalidID
	}
	ok, err := s.repo.TransitionStatus(ctx, s.db, id, []domain.Status{domain.StatusActive}, domain.StatusPaused, reason, s.clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		obsmetrics.Pipeline().IncAutoPause()
		s.logger(ctx).Warn("campaign auto-paused",
			zap.String("campaign_id", id.String()),
			zap.String("reason", reason),
		)
	}
	return ok, nil
}

func (s *Service) ApplySiteAnalysis(ctx context.Context, id snowflake.ID, analysis domain.SiteAnalysis) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	profile := current.Profile()
	if strings.TrimSpace(profile.Description) == "" {
		profile.Description = strings.TrimSpace(analysis.Description)
	}
	if len(profile.ValueProps) == 0 {
		profile.ValueProps = trimAll(analysis.ValueProps)
	}
	if strings.TrimSpace(profile.Tone) == "" {
		profile.Tone = strings.TrimSpace(analysis.Tone)
	}
	if strings.TrimSpace(profile.TargetAudience) == "" {
		profile.TargetAudience = strings.TrimSpace(analysis.TargetAudience)
	}

	now := s.clock.Now()
	var keywords []domain.Keyword
	for _, term := range analysis.FeatureKeywords {
		keywords = append(keywords, s.newKeyword(id, domain.BucketFeature, term, now))
	}
	for _, term := range analysis.Competitors {
		keywords = append(keywords, s.newKeyword(id, domain.BucketCompetitor, term, now))
	}
	keywords = dedupKeywords(append(current.Keywords, keywords...))

	var communities []domain.Community
	for _, name := range analysis.Subreddits {
		if name = normalizeCommunity(name); name != "" {
			communities = append(communities, domain.Community{
				ID: s.genID.Generate(), CampaignID: id, Name: name, Enabled: true, CreatedAt: now,
			})
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateBusinessProfile(ctx, tx, id, profile, now); err != nil {
			return err
		}
		if err := s.repo.ReplaceKeywords(ctx, tx, id, keywords); err != nil {
			return err
		}
		if len(communities) == 0 {
			return nil
		}
		return s.repo.ReplaceCommunities(ctx, tx, id, append(current.Communities, communities...))
	})
}

// DueForScout lists ACTIVE campaigns whose last scout is older than the scout interval.
func (s *Service) DueForScout(ctx context.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().Add(-s.policies.Get().Discovery.ScoutInterval)
	items, err := s.repo.ListDueForScout(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Campaign, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out, nil
}

func (s *Service) MarkScouted(ctx context.Context, id snowflake.ID) error {
	return s.repo.MarkScouted(ctx, s.db, id, s.clock.Now())
}

func (s *Service) MarkMinerCompleted(ctx context.Context, id snowflake.ID) error {
	return s.repo.MarkMinerCompleted(ctx, s.db, id, s.clock.Now())
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from []domain.Status, to domain.Status, reason string) (domain.Campaign, error) {
	if id == 0 {
		return domain.Campaign{}, domain.ErrInvalidID
	}
	ok, err := s.repo.TransitionStatus(ctx, s.db, id, from, to, reason, s.clock.Now())
	if err != nil {
		return domain.Campaign{}, err
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return domain.Campaign{}, err
		}
		return domain.Campaign{}, domain.ErrInvalidTransition
	}
	s.logger(ctx).Info("campaign status changed",
		zap.String("campaign_id", id.String()),
		zap.String("to_status", string(to)),
	)
	return s.Get(ctx, id)
}

func (s *Service) buildKeywords(campaignID snowflake.ID, inputs []domain.KeywordInput, now time.Time) ([]domain.Keyword, error) {
	keywords := make([]domain.Keyword, 0, len(inputs))
	for _, in := range inputs {
		if !in.Bucket.Valid() || strings.TrimSpace(in.Term) == "" {
			return nil, domain.ErrInvalidKeyword
		}
		kw := s.newKeyword(campaignID, in.Bucket, in.Term, now)
		if in.Enabled != nil {
			kw.Enabled = *in.Enabled
		}
		keywords = append(keywords, kw)
	}
	return dedupKeywords(keywords), nil
}

func (s *Service) buildCommunities(campaignID snowflake.ID, inputs []domain.CommunityInput, now time.Time) ([]domain.Community, error) {
	seen := make(map[string]struct{}, len(inputs))
	communities := make([]domain.Community, 0, len(inputs))
	for _, in := range inputs {
		name := normalizeCommunity(in.Name)
		if name == "" {
			return nil, domain.ErrInvalidCommunity
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		enabled := true
		if in.Enabled != nil {
			enabled = *in.Enabled
		}
		communities = append(communities, domain.Community{
			ID:         s.genID.Generate(),
			CampaignID: campaignID,
			Name:       name,
			Enabled:    enabled,
			CreatedAt:  now,
		})
	}
	return communities, nil
}

func (s *Service) newKeyword(campaignID snowflake.ID, bucket domain.KeywordBucket, term string, now time.Time) domain.Keyword {
	return domain.Keyword{
		ID:         s.genID.Generate(),
		CampaignID: campaignID,
		Bucket:     bucket,
		Term:       strings.Join(strings.Fields(term), " "),
		Enabled:    true,
		CreatedAt:  now,
	}
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func normalizeProfile(p domain.BusinessProfile) (domain.BusinessProfile, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.Tone = strings.TrimSpace(p.Tone)
	p.WebsiteURL = strings.TrimSpace(p.WebsiteURL)
	p.TargetAudience = strings.TrimSpace(p.TargetAudience)
	p.ValueProps = trimAll(p.ValueProps)
	if p.Name == "" {
		return domain.BusinessProfile{}, domain.ErrInvalidProfile
	}
	if p.WebsiteURL != "" && !strings.HasPrefix(p.WebsiteURL, "http://") && !strings.HasPrefix(p.WebsiteURL, "https://") {
		p.WebsiteURL = "https://" + p.WebsiteURL
	}
	return p, nil
}

// normalizeCommunity strips the r/ prefix users often paste.
func normalizeCommunity(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	if len(name) > 2 && strings.EqualFold(name[:2], "r/") {
		name = name[2:]
	}
	return strings.Trim(name, "/ ")
}

func dedupKeywords(keywords []domain.Keyword) []domain.Keyword {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]domain.Keyword, 0, len(keywords))
	for _, kw := range keywords {
		if strings.TrimSpace(kw.Term) == "" {
			continue
		}
		key := string(kw.Bucket) + "|" + strings.ToLower(kw.Term)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
