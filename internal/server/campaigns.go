package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
)

type campaignRequest struct {
	Name           string                          `json:"name"`
	AutomationMode string                          `json:"automation_mode"`
	OwnerEmail     string                          `json:"owner_email"`
	Profile        campaigndomain.BusinessProfile  `json:"business_profile"`
	Strategies     *campaigndomain.Strategies      `json:"strategies"`
	Keywords       []campaigndomain.KeywordInput   `json:"keywords"`
	Communities    []campaigndomain.CommunityInput `json:"communities"`
}

type updateCampaignRequest struct {
	Name           *string                         `json:"name"`
	AutomationMode *string                         `json:"automation_mode"`
	Profile        *campaigndomain.BusinessProfile `json:"business_profile"`
	Strategies     *campaigndomain.Strategies      `json:"strategies"`
	Keywords       []campaigndomain.KeywordInput   `json:"keywords"`
	Communities    []campaigndomain.CommunityInput `json:"communities"`
}

type pauseCampaignRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.campaigns.Create(c.Request.Context(), campaigndomain.CreateCampaignRequest{
		UserID:         currentUserID(c),
		Name:           strings.TrimSpace(req.Name),
		AutomationMode: campaigndomain.AutomationMode(strings.ToUpper(strings.TrimSpace(req.AutomationMode))),
		OwnerEmail:     strings.TrimSpace(req.OwnerEmail),
		Profile:        req.Profile,
		Strategies:     req.Strategies,
		Keywords:       req.Keywords,
		Communities:    req.Communities,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListCampaigns(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int32  `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.campaigns.List(c.Request.Context(), campaigndomain.ListCampaignRequest{
		UserID:    currentUserID(c),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCampaignByID(c *gin.Context) {
	campaign, ok := s.ownedCampaign(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": campaign})
}

func (s *Server) UpdateCampaign(c *gin.Context) {
	campaign, ok := s.ownedCampaign(c)
	if !ok {
		return
	}

	var req updateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	update := campaigndomain.UpdateDraftRequest{
		ID:          campaign.ID,
		Name:        req.Name,
		Profile:     req.Profile,
		Strategies:  req.Strategies,
		Keywords:    req.Keywords,
		Communities: req.Communities,
	}
	if req.AutomationMode != nil {
		mode := campaigndomain.AutomationMode(strings.ToUpper(strings.TrimSpace(*req.AutomationMode)))
		update.AutomationMode = &mode
	}

	resp, err := s.campaigns.UpdateDraft(c.Request.Context(), update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ActivateCampaign(c *gin.Context) {
	s.campaignAction(c, func(id snowflake.ID) (campaigndomain.Campaign, error) {
		return s.campaigns.Activate(c.Request.Context(), id)
	})
}

func (s *Server) PauseCampaign(c *gin.Context) {
	var req pauseCampaignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "paused by user"
	}

	s.campaignAction(c, func(id snowflake.ID) (campaigndomain.Campaign, error) {
		return s.campaigns.Pause(c.Request.Context(), id, reason)
	})
}

func (s *Server) CompleteCampaign(c *gin.Context) {
	s.campaignAction(c, func(id snowflake.ID) (campaigndomain.Campaign, error) {
		return s.campaigns.Complete(c.Request.Context(), id)
	})
}

// GetCampaignProgress returns the live discovery snapshot, or null once it has expired.
func (s *Server) GetCampaignProgress(c *gin.Context) {
	campaign, ok := s.ownedCampaign(c)
	if !ok {
		return
	}
	if s.progress == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	snapshot, err := s.progress.Get(c.Request.Context(), campaign.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) campaignAction(c *gin.Context, action func(id snowflake.ID) (campaigndomain.Campaign, error)) {
	campaign, ok := s.ownedCampaign(c)
	if !ok {
		return
	}

	resp, err := action(campaign.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ownedCampaign loads the path campaign and hides campaigns of other users.
func (s *Server) ownedCampaign(c *gin.Context) (campaigndomain.Campaign, bool) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return campaigndomain.Campaign{}, false
	}

	campaign, err := s.campaigns.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return campaigndomain.Campaign{}, false
	}
	if campaign.UserID != currentUserID(c) {
		AbortWithError(c, ErrNotFound)
		return campaigndomain.Campaign{}, false
	}
	return campaign, true
}
