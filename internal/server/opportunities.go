package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
)

type editCommentRequest struct {
	CommentText string `json:"comment_text"`
}

type rejectOpportunityRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ListOpportunities(c *gin.Context) {
	var query struct {
		CampaignID      string   `form:"campaign_id"`
		Status          []string `form:"status"`
		IncludeArchived string   `form:"include_archived"`
		PageToken       string   `form:"page_token"`
		PageSize        int32    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	campaignID, err := parseOptionalSnowflakeID(query.CampaignID)
	if err != nil {
		AbortWithError(c, newValidationError("campaign_id", "invalid_campaign_id", "invalid campaign_id"))
		return
	}
	includeArchived, err := parseOptionalBool(query.IncludeArchived)
	if err != nil {
		AbortWithError(c, newValidationError("include_archived", "invalid_include_archived", "invalid include_archived"))
		return
	}

	req := opportunitydomain.ListRequest{
		UserID:    currentUserID(c),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	}
	if campaignID != nil {
		req.CampaignID = *campaignID
	}
	if includeArchived != nil {
		req.IncludeArchived = *includeArchived
	}
	for _, status := range splitList(query.Status) {
		req.Statuses = append(req.Statuses, opportunitydomain.Status(strings.ToUpper(status)))
	}

	resp, err := s.opportunities.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetOpportunityByID(c *gin.Context) {
	opp, ok := s.ownedOpportunity(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": opp})
}

func (s *Server) ApproveOpportunity(c *gin.Context) {
	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.Approve(c.Request.Context(), id)
	})
}

func (s *Server) ApproveComment(c *gin.Context) {
	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.ApproveComment(c.Request.Context(), id)
	})
}

func (s *Server) EditComment(c *gin.Context) {
	var req editCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.EditComment(c.Request.Context(), id, req.CommentText)
	})
}

func (s *Server) RegenerateComment(c *gin.Context) {
	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.Regenerate(c.Request.Context(), id)
	})
}

func (s *Server) RejectOpportunity(c *gin.Context) {
	var req rejectOpportunityRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.Reject(c.Request.Context(), id, req.Reason)
	})
}

func (s *Server) ArchiveOpportunity(c *gin.Context) {
	s.opportunityAction(c, func(id snowflake.ID) (opportunitydomain.Opportunity, error) {
		return s.opportunities.Archive(c.Request.Context(), id)
	})
}

func (s *Server) opportunityAction(c *gin.Context, action func(id snowflake.ID) (opportunitydomain.Opportunity, error)) {
	opp, ok := s.ownedOpportunity(c)
	if !ok {
		return
	}

	resp, err := action(opp.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ownedOpportunity(c *gin.Context) (opportunitydomain.Opportunity, bool) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return opportunitydomain.Opportunity{}, false
	}

	opp, err := s.opportunities.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return opportunitydomain.Opportunity{}, false
	}
	if opp.UserID != currentUserID(c) {
		AbortWithError(c, ErrNotFound)
		return opportunitydomain.Opportunity{}, false
	}
	return opp, true
}
