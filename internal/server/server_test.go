package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/observability"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/progress"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testToken      = "api-token"
	testAdminToken = "admin-token"
)

type testServer struct {
	env    *pipelinetest.Env
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := pipelinetest.New(t)
	engine := NewEngine(zap.NewNop(), observability.Config{Environment: "test"}, nil)
	NewServer(ServerParams{
		Gin: engine,
		Cfg: config.Config{API: config.APIConfig{Token: testToken, AdminToken: testAdminToken}},
		Log: zap.NewNop(),

		Campaigns:     env.Campaigns,
		Opportunities: env.Opportunities,
		Ledger:        env.Ledger,
		Progress:      env.Progress,
	})
	return &testServer{env: env, engine: engine}
}

func (s *testServer) do(t *testing.T, method, path string, body any, userID snowflake.ID) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWithToken(t, method, path, body, userID, testToken)
}

func (s *testServer) doWithToken(t *testing.T, method, path string, body any, userID snowflake.ID, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID != 0 {
		req.Header.Set(HeaderUserID, userID.String())
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIRequiresTokenAndUser(t *testing.T) {
	s := newTestServer(t)

	rec := s.doWithToken(t, http.MethodGet, "/api/campaigns", nil, pipelinetest.UserID, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doWithToken(t, http.MethodGet, "/api/campaigns", nil, pipelinetest.UserID, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/campaigns", nil, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = s.do(t, http.MethodGet, "/api/campaigns", nil, pipelinetest.UserID)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCampaignLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name":            "Acme Notes",
		"automation_mode": "semi_auto",
		"business_profile": map[string]any{
			"name":        "Acme Notes",
			"description": "Offline-first notes",
			"tone":        "friendly",
		},
		"keywords": []map[string]any{{"bucket": "FEATURE", "term": "note app"}},
	}, pipelinetest.UserID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created campaigndomain.Campaign
	decodeData(t, rec, &created)
	assert.Equal(t, campaigndomain.StatusDraft, created.Status)
	assert.Equal(t, campaigndomain.ModeSemiAuto, created.AutomationMode)

	path := "/api/campaigns/" + created.ID.String()

	rec = s.do(t, http.MethodGet, path, nil, pipelinetest.UserID+1)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPatch, path, map[string]any{"name": "Acme Notes EU"}, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, path+"/activate", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var active campaigndomain.Campaign
	decodeData(t, rec, &active)
	assert.Equal(t, campaigndomain.StatusActive, active.Status)
	assert.Equal(t, "Acme Notes EU", active.Name)
	assert.Len(t, s.env.Jobs(t, queue.QueueCampaign), 1)

	rec = s.do(t, http.MethodPost, path+"/activate", nil, pipelinetest.UserID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/pause", map[string]any{"reason": "holiday"}, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused campaigndomain.Campaign
	decodeData(t, rec, &paused)
	assert.Equal(t, campaigndomain.StatusPaused, paused.Status)
	assert.Equal(t, "holiday", paused.PauseReason)
}

func TestCreateCampaignValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/campaigns", map[string]any{"name": " "}, pipelinetest.UserID)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_campaign_name", payload.Errors[0].Code)
	assert.Equal(t, "campaign_name", payload.Errors[0].Field)

	rec = s.do(t, http.MethodGet, "/api/campaigns/not-a-number", nil, pipelinetest.UserID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignProgress(t *testing.T) {
	s := newTestServer(t)
	c := s.env.Campaign(t, campaigndomain.ModeSemiAuto)
	path := "/api/campaigns/" + c.ID.String() + "/progress"

	rec := s.do(t, http.MethodGet, path, nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":null}`, rec.Body.String())

	require.NoError(t, s.env.Progress.Update(context.Background(), c.ID, func(p *progress.Progress) {
		p.Message = "Searching Reddit"
		p.ThreadsFound = 12
	}))

	rec = s.do(t, http.MethodGet, path, nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot progress.Progress
	decodeData(t, rec, &snapshot)
	assert.Equal(t, "Searching Reddit", snapshot.Message)
	assert.Equal(t, 12, snapshot.ThreadsFound)
}

func TestOpportunityReviewFlow(t *testing.T) {
	s := newTestServer(t)
	c := s.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := s.env.Opportunity(t, c, "t3_review", opportunitydomain.StatusPendingReview, nil)
	path := "/api/opportunities/" + opp.ID.String()

	rec := s.do(t, http.MethodGet, path, nil, pipelinetest.UserID+1)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/approve", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved opportunitydomain.Opportunity
	decodeData(t, rec, &approved)
	assert.Equal(t, opportunitydomain.StatusApproved, approved.Status)
	assert.Len(t, s.env.Jobs(t, queue.QueuePostGeneration), 1)

	rec = s.do(t, http.MethodPost, path+"/reject", nil, pipelinetest.UserID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/archive", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.env.Reload(t, opp.ID).IsArchived)
}

func TestEditAndApproveComment(t *testing.T) {
	s := newTestServer(t)
	c := s.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := s.env.Opportunity(t, c, "t3_ready", opportunitydomain.StatusReadyForReview, map[string]any{
		"comment_text":    "We moved to an offline-first app last year.",
		"comment_version": 1,
	})
	path := "/api/opportunities/" + opp.ID.String()

	rec := s.do(t, http.MethodPut, path+"/comment", map[string]any{"comment_text": "  "}, pipelinetest.UserID)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty_comment_text", decodeError(t, rec).Errors[0].Code)

	rec = s.do(t, http.MethodPut, path+"/comment", map[string]any{"comment_text": "Offline sync saved us twice."}, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Offline sync saved us twice.", s.env.Reload(t, opp.ID).CommentText)

	rec = s.do(t, http.MethodPost, path+"/approve-comment", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, opportunitydomain.StatusPosting, s.env.Reload(t, opp.ID).Status)
	assert.Len(t, s.env.Jobs(t, queue.QueuePosting), 1)
}

func TestListOpportunities(t *testing.T) {
	s := newTestServer(t)
	c := s.env.Campaign(t, campaigndomain.ModeSemiAuto)
	s.env.Opportunity(t, c, "t3_a", opportunitydomain.StatusPendingReview, nil)
	s.env.Opportunity(t, c, "t3_b", opportunitydomain.StatusSkipped, nil)

	rec := s.do(t, http.MethodGet, "/api/opportunities?campaign_id="+c.ID.String()+"&status=pending_review", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp opportunitydomain.ListResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.Opportunities, 1)
	assert.Equal(t, "t3_a", resp.Opportunities[0].ThreadID)

	rec = s.do(t, http.MethodGet, "/api/opportunities?status=bogus", nil, pipelinetest.UserID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditsGrantAndBalance(t *testing.T) {
	s := newTestServer(t)
	grantPath := "/admin/users/" + pipelinetest.UserID.String() + "/credits"

	rec := s.doWithToken(t, http.MethodPost, grantPath, map[string]any{"amount": 5, "reason": "purchase"}, 0, testToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doWithToken(t, http.MethodPost, grantPath, map[string]any{"amount": 5, "reason": "campaign_usage"}, 0, testAdminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doWithToken(t, http.MethodPost, grantPath, map[string]any{"amount": 5, "reason": "purchase"}, 0, testAdminToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.doWithToken(t, http.MethodPost, grantPath, map[string]any{"amount": 10, "reason": "SUBSCRIPTION_CREATE"}, 0, testAdminToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/credits", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		SubscriptionCredits int64 `json:"subscription_credits"`
		PermanentCredits    int64 `json:"permanent_credits"`
	}
	decodeData(t, rec, &balance)
	assert.Equal(t, int64(10), balance.SubscriptionCredits)
	assert.Equal(t, int64(5), balance.PermanentCredits)

	rec = s.do(t, http.MethodGet, "/api/credits/history?page_size=1", nil, pipelinetest.UserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Entries []json.RawMessage `json:"entries"`
		HasMore bool              `json:"has_more"`
	}
	decodeData(t, rec, &history)
	assert.Len(t, history.Entries, 1)
	assert.True(t, history.HasMore)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/nope", nil, 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestMapErrorWrappedSentinel(t *testing.T) {
	status, payload := mapError(fmt.Errorf("approve: %w", opportunitydomain.ErrInvalidTransition))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", payload.Type)

	status, payload = mapError(fmt.Errorf("%w: owner email", campaigndomain.ErrInvalidProfile))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_business_profile", payload.Errors[0].Code)
}
