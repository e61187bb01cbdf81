package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const bodyExcerptLimit = 1000

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
	jitter   func(min, max time.Duration) time.Duration
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("opportunity.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		queue:    p.Queue,
		policies: p.Policies,
		jitter:   randomDelay,
	}
}

// CreateDiscovered inserts DISCOVERED opportunities and their scoring jobs.
// Threads already recorded for the campaign are counted, not created.
func (s *Service) CreateDiscovered(ctx context.Context, req domain.CreateDiscoveredRequest) (domain.CreateDiscoveredResult, error) {
	if req.CampaignID == 0 {
		return domain.CreateDiscoveredResult{}, domain.ErrInvalidCampaign
	}
	result := domain.CreateDiscoveredResult{}
	if len(req.Threads) == 0 {
		return result, nil
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, thread := range req.Threads {
			threadID := strings.TrimSpace(thread.ThreadID)
			if threadID == "" {
				continue
			}
			opp := &domain.Opportunity{
				ID:                s.genID.Generate(),
				CampaignID:        req.CampaignID,
				UserID:            req.UserID,
				ThreadID:          threadID,
				Permalink:         thread.Permalink,
				Title:             thread.Title,
				BodyExcerpt:       truncateRunes(thread.Body, bodyExcerptLimit),
				Subreddit:         thread.Subreddit,
				Upvotes:           thread.Upvotes,
				CommentCount:      thread.CommentCount,
				ThreadCreatedAt:   thread.ThreadCreatedAt,
				MatchedKeyword:    thread.MatchedKeyword,
				Source:            thread.Source,
				ParentCommentID:   thread.ParentCommentID,
				ParentCommentText: truncateRunes(thread.ParentCommentText, bodyExcerptLimit),
				ReplyReason:       thread.ReplyReason,
				Status:            domain.StatusDiscovered,
				Metadata:          datatypes.NewJSONType(domain.Metadata{}),
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			inserted, err := s.repo.InsertIfAbsent(ctx, tx, opp)
			if err != nil {
				return err
			}
			if !inserted {
				result.Duplicates++
				continue
			}
			if _, err := s.queue.Enqueue(ctx, tx, queue.EnqueueRequest{
				Queue:    queue.QueueScoring,
				Payload:  queue.ScoringPayload{OpportunityID: opp.ID},
				DedupKey: fmt.Sprintf("scoring:%s", opp.ID),
			}); err != nil {
				return err
			}
			result.Created = append(result.Created, *opp)
		}
		return nil
	})
	if err != nil {
		return domain.CreateDiscoveredResult{}, err
	}

	if result.Duplicates > 0 {
		s.logger(ctx).Debug("duplicate opportunities discarded",
			zap.String("campaign_id", req.CampaignID.String()),
			zap.Int("duplicates", result.Duplicates),
		)
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Opportunity, error) {
	if id == 0 {
		return domain.Opportunity{}, domain.ErrInvalidID
	}
	opp, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if opp == nil {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return *opp, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	for _, status := range req.Statuses {
		if !status.Valid() {
			return domain.ListResponse{}, domain.ErrInvalidStatus
		}
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: int(req.PageSize)}
	if page.PageSize <= 0 {
		page.PageSize = pagination.DefaultPageSize
	}
	if page.PageSize > pagination.MaxPageSize {
		page.PageSize = pagination.MaxPageSize
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		CampaignID:      req.CampaignID,
		UserID:          req.UserID,
		Statuses:        req.Statuses,
		IncludeArchived: req.IncludeArchived,
	}, page)
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(page.PageSize), func(o *domain.Opportunity) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(o.ID.Int64(), 10),
			CreatedAt: o.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > page.PageSize {
		items = items[:page.PageSize]
	}

	resp := domain.ListResponse{Opportunities: make([]domain.Opportunity, 0, len(items))}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	for _, item := range items {
		resp.Opportunities = append(resp.Opportunities, *item)
	}
	return resp, nil
}

// Apply performs one guarded write. The stage job named by the change's handoff
// commits together with the row.
func (s *Service) Apply(ctx context.Context, change domain.Change) (domain.Opportunity, error) {
	if change.ID == 0 {
		return domain.Opportunity{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	var (
		from, to domain.Status
		updated  *domain.Opportunity
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, change.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}

		from = current.Status
		to = from
		switch {
		case change.Event != "":
			if to, err = domain.Next(from, change.Event); err != nil {
				return err
			}
		case change.Expect != "" && change.Expect != from:
			return fmt.Errorf("%w: expected %s, found %s", domain.ErrInvalidTransition, change.Expect, from)
		}

		fields := make(map[string]any, len(change.Fields)+3)
		for k, v := range change.Fields {
			fields[k] = v
		}
		fields["status"] = to
		fields["updated_at"] = now
		if change.Mutate != nil {
			meta := current.Meta()
			change.Mutate(&meta)
			fields["metadata"] = datatypes.NewJSONType(meta)
		}

		ok, err := s.repo.UpdateIfStatus(ctx, tx, change.ID, from, fields)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStatusChanged
		}
		if updated, err = s.repo.FindByID(ctx, tx, change.ID); err != nil {
			return err
		}
		if change.InTx != nil {
			if err := change.InTx(tx); err != nil {
				return err
			}
		}
		return s.handoff(ctx, tx, updated, change)
	})
	if err != nil {
		return domain.Opportunity{}, err
	}

	if from != to {
		obsmetrics.Pipeline().IncTransition(string(from), string(to))
		s.logger(ctx).Info("opportunity transitioned",
			zap.String("opportunity_id", change.ID.String()),
			zap.String("event", string(change.Event)),
			zap.String("from_status", string(from)),
			zap.String("to_status", string(to)),
		)
	}
	return *updated, nil
}

func (s *Service) handoff(ctx context.Context, tx *gorm.DB, opp *domain.Opportunity, change domain.Change) error {
	var req queue.EnqueueRequest
	switch change.Handoff {
	case domain.HandoffNone:
		return nil
	case domain.HandoffGeneration:
		version := opp.CommentVersion + 1
		req = queue.EnqueueRequest{
			Queue:    queue.QueuePostGeneration,
			Payload:  queue.GenerationPayload{OpportunityID: opp.ID, Version: version},
			DedupKey: fmt.Sprintf("generate:%s:v%d", opp.ID, version),
		}
	case domain.HandoffPosting:
		policy := s.policies.Get().Posting
		req = queue.EnqueueRequest{
			Queue:    queue.QueuePosting,
			Payload:  queue.PostingPayload{OpportunityID: opp.ID},
			Delay:    s.jitter(policy.JitterMin, policy.JitterMax),
			DedupKey: fmt.Sprintf("posting:%s:v%d", opp.ID, opp.CommentVersion),
		}
	case domain.HandoffTracking:
		req = queue.EnqueueRequest{
			Queue:    queue.QueueTracking,
			Payload:  queue.TrackingPayload{OpportunityID: opp.ID, CheckNumber: change.TrackingCheck},
			Delay:    change.TrackingDelay,
			DedupKey: fmt.Sprintf("tracking:%s:%d", opp.ID, change.TrackingCheck),
		}
	default:
		return fmt.Errorf("unknown handoff %d", change.Handoff)
	}
	_, err := s.queue.Enqueue(ctx, tx, req)
	return err
}

// Approve is the human path from PENDING_REVIEW; it hands off exactly like auto-approval.
func (s *Service) Approve(ctx context.Context, id snowflake.ID) (domain.Opportunity, error) {
	return s.Apply(ctx, domain.Change{ID: id, Event: domain.EventApprove, Handoff: domain.HandoffGeneration})
}

func (s *Service) ApproveComment(ctx context.Context, id snowflake.ID) (domain.Opportunity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if strings.TrimSpace(current.CommentText) == "" {
		return domain.Opportunity{}, domain.ErrEmptyComment
	}
	return s.Apply(ctx, domain.Change{ID: id, Event: domain.EventApproveComment, Handoff: domain.HandoffPosting})
}

func (s *Service) EditComment(ctx context.Context, id snowflake.ID, text string) (domain.Opportunity, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Opportunity{}, domain.ErrEmptyComment
	}
	return s.Apply(ctx, domain.Change{
		ID:     id,
		Expect: domain.StatusReadyForReview,
		Fields: map[string]any{"comment_text": text},
	})
}

// Regenerate sends a reviewed comment back for another generation round.
func (s *Service) Regenerate(ctx context.Context, id snowflake.ID) (domain.Opportunity, error) {
	return s.Apply(ctx, domain.Change{ID: id, Event: domain.EventRegenerate, Handoff: domain.HandoffGeneration})
}

func (s *Service) Reject(ctx context.Context, id snowflake.ID, reason string) (domain.Opportunity, error) {
	reason = strings.TrimSpace(reason)
	return s.Apply(ctx, domain.Change{
		ID:    id,
		Event: domain.EventReject,
		Mutate: func(m *domain.Metadata) {
			if reason != "" {
				m.SkipDetail = reason
			}
		},
	})
}

func (s *Service) Archive(ctx context.Context, id snowflake.ID) (domain.Opportunity, error) {
	return s.Apply(ctx, domain.Change{ID: id, Fields: map[string]any{"is_archived": true}})
}

func (s *Service) MarkExhausted(ctx context.Context, id snowflake.ID, stage string, attempts int, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	now := s.clock.Now()
	_, err := s.Apply(ctx, domain.Change{
		ID:    id,
		Event: domain.EventExhausted,
		Mutate: func(m *domain.Metadata) {
			m.Error = &domain.FailureDetail{
				Message:    truncateRunes(message, 500),
				Stage:      stage,
				Attempts:   attempts,
				Code:       "retries_exhausted",
				OccurredAt: now,
			}
		},
	})
	return err
}

// ExpireStale retires review items nobody acted on within the review window.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().Add(-s.policies.Get().Review.ExpireAfter)
	stale, err := s.repo.ListStale(ctx, s.db, domain.SourcesFor(domain.EventExpire), cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, opp := range stale {
		if _, err := s.Apply(ctx, domain.Change{ID: opp.ID, Event: domain.EventExpire}); err != nil {
			if isRace(err) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Service) CountPostingFailuresSince(ctx context.Context, campaignID snowflake.ID, since time.Time) (int64, error) {
	return s.repo.CountPostingFailuresSince(ctx, s.db, campaignID, since)
}

func (s *Service) ExistingThreadIDs(ctx context.Context, campaignID snowflake.ID, threadIDs []string) ([]string, error) {
	return s.repo.ExistingThreadIDs(ctx, s.db, campaignID, threadIDs)
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// isRace reports a write that lost to a concurrent status change.
func isRace(err error) bool {
	return errors.Is(err, domain.ErrStatusChanged) || errors.Is(err, domain.ErrInvalidTransition)
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
