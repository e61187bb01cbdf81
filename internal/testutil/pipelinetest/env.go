// Package pipelinetest wires the real campaign, opportunity, ledger and queue
// services over one in-memory database for stage handler tests.
package pipelinetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	campaignrepo "github.com/smallbiznis/threadscout/internal/campaign/repository"
	campaignservice "github.com/smallbiznis/threadscout/internal/campaign/service"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/dedup"
	ledgerdomain "github.com/smallbiznis/threadscout/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/threadscout/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/threadscout/internal/ledger/service"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	opportunityrepo "github.com/smallbiznis/threadscout/internal/opportunity/repository"
	opportunityservice "github.com/smallbiznis/threadscout/internal/opportunity/service"
	"github.com/smallbiznis/threadscout/internal/progress"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/testdb"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const UserID snowflake.ID = 5001

type Env struct {
	DB        *gorm.DB
	Node      *snowflake.Node
	Clock     *clock.FakeClock
	Queue     *queue.Store
	Policies  *config.PipelineConfigHolder
	Redis     *redis.Client
	Miniredis *miniredis.Miniredis
	Seen      *dedup.SeenSet
	Progress  *progress.Publisher

	CampaignRepo  campaigndomain.Repository
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Ledger        ledgerdomain.Service
}

func New(t *testing.T) *Env {
	t.Helper()
	db := testdb.Open(t,
		&campaigndomain.Campaign{}, &campaigndomain.Keyword{}, &campaigndomain.Community{},
		&opportunitydomain.Opportunity{},
		&ledgerdomain.Balance{}, &ledgerdomain.Entry{},
		&queue.Job{},
	)
	node := testdb.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	policies := config.NewStaticPipelineConfigHolder(config.DefaultPipelineConfig())
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := queue.NewStore(queue.StoreParams{DB: db, Log: log, GenID: node, Clock: clk})
	campaignRepo := campaignrepo.Provide()

	return &Env{
		DB:           db,
		Node:         node,
		Clock:        clk,
		Queue:        store,
		Policies:     policies,
		Redis:        rdb,
		Miniredis:    mr,
		Seen:         dedup.NewSeenSet(rdb, policies),
		Progress:     progress.NewPublisher(rdb, clk, policies, log),
		CampaignRepo: campaignRepo,
		Campaigns: campaignservice.New(campaignservice.Params{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: campaignRepo, Queue: store, Policies: policies,
		}),
		Opportunities: opportunityservice.New(opportunityservice.Params{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: opportunityrepo.Provide(), Queue: store, Policies: policies,
		}),
		Ledger: ledgerservice.NewService(ledgerservice.Params{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide(),
		}),
	}
}

// Campaign creates and activates a campaign owned by UserID.
func (e *Env) Campaign(t *testing.T, mode campaigndomain.AutomationMode, keywords ...campaigndomain.KeywordInput) campaigndomain.Campaign {
	t.Helper()
	if len(keywords) == 0 {
		keywords = []campaigndomain.KeywordInput{{Bucket: campaigndomain.BucketFeature, Term: "note app"}}
	}
	return e.ActiveCampaign(t, campaigndomain.CreateCampaignRequest{
		AutomationMode: mode,
		Keywords:       keywords,
	})
}

// ActiveCampaign fills defaults into req, then creates and activates it.
func (e *Env) ActiveCampaign(t *testing.T, req campaigndomain.CreateCampaignRequest) campaigndomain.Campaign {
	t.Helper()
	ctx := context.Background()
	if req.UserID == 0 {
		req.UserID = UserID
	}
	if req.Name == "" {
		req.Name = "Acme Notes"
	}
	if req.OwnerEmail == "" {
		req.OwnerEmail = "owner@acme.test"
	}
	if req.Profile.Name == "" {
		req.Profile = campaigndomain.BusinessProfile{
			Name:        "Acme Notes",
			Description: "Offline-first note taking for teams",
			ValueProps:  []string{"works offline", "end-to-end encrypted"},
			Tone:        "friendly",
		}
	}
	c, err := e.Campaigns.Create(ctx, req)
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	c, err = e.Campaigns.Activate(ctx, c.ID)
	if err != nil {
		t.Fatalf("activate campaign: %v", err)
	}
	return c
}

// Opportunity discovers one thread for the campaign and forces it into status.
func (e *Env) Opportunity(t *testing.T, c campaigndomain.Campaign, threadID string, status opportunitydomain.Status, fields map[string]any) opportunitydomain.Opportunity {
	t.Helper()
	ctx := context.Background()
	res, err := e.Opportunities.CreateDiscovered(ctx, opportunitydomain.CreateDiscoveredRequest{
		CampaignID: c.ID,
		UserID:     c.UserID,
		Threads: []opportunitydomain.Discovered{{
			ThreadID:       threadID,
			Permalink:      "https://www.reddit.com/r/productivity/comments/" + threadID + "/notes/",
			Title:          "What note app do you use for team docs?",
			Body:           "We keep losing notes when offline. Any suggestions?",
			Subreddit:      "productivity",
			Upvotes:        25,
			CommentCount:   8,
			MatchedKeyword: "note app",
			Source:         opportunitydomain.SourceMiner,
		}},
	})
	if err != nil || len(res.Created) != 1 {
		t.Fatalf("create opportunity: %v (created %d)", err, len(res.Created))
	}
	id := res.Created[0].ID

	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	if err := e.DB.Model(&opportunitydomain.Opportunity{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		t.Fatalf("force opportunity status: %v", err)
	}
	opp, err := e.Opportunities.Get(ctx, id)
	if err != nil {
		t.Fatalf("reload opportunity: %v", err)
	}
	return opp
}

// Jobs lists pending jobs on a queue.
func (e *Env) Jobs(t *testing.T, name string) []*queue.Job {
	t.Helper()
	jobs, err := e.Queue.List(context.Background(), name, queue.StatusPending)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return jobs
}

// Job builds an in-flight job carrying payload, as a pool would hand it to a handler.
func (e *Env) Job(t *testing.T, name string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:          e.Node.Generate(),
		Queue:       name,
		Status:      queue.StatusRunning,
		Payload:     datatypes.JSON(raw),
		Attempts:    1,
		MaxAttempts: queue.DefaultMaxAttempts,
		RunAt:       e.Clock.Now(),
	}
}

func (e *Env) Reload(t *testing.T, id snowflake.ID) opportunitydomain.Opportunity {
	t.Helper()
	opp, err := e.Opportunities.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reload opportunity: %v", err)
	}
	return opp
}
