package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/threadscout/internal/ledger/domain"
)

type grantCreditsRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Context        string `json:"context"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	resp, err := s.ledger.GetBalance(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCreditHistory(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int32  `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledger.ListHistory(c.Request.Context(), ledgerdomain.ListHistoryRequest{
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

// GrantCredits adds purchased credits to the permanent balance and
// subscription credits to the subscription balance.
func (s *Server) GrantCredits(c *gin.Context) {
	userID, err := pathID(c, "userId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	grant := ledgerdomain.GrantRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Reason:         ledgerdomain.Reason(strings.ToUpper(strings.TrimSpace(req.Reason))),
		Context:        strings.TrimSpace(req.Context),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}

	var entry *ledgerdomain.Entry
	switch grant.Reason {
	case ledgerdomain.ReasonPurchase:
		entry, err = s.ledger.AddPermanentCredits(c.Request.Context(), grant)
	case ledgerdomain.ReasonSubscriptionCreate, ledgerdomain.ReasonSubscriptionRenewal:
		entry, err = s.ledger.AddSubscriptionCredits(c.Request.Context(), grant)
	default:
		err = ledgerdomain.ErrInvalidReason
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entry})
}
