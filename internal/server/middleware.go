package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
)

const (
	HeaderUserID     = "X-User-ID"
	contextUserIDKey = "user_id"
)

// TokenRequired checks the shared API bearer token.
func (s *Server) TokenRequired() gin.HandlerFunc {
	return bearerRequired(func() string { return s.cfg.API.Token })
}

// AdminTokenRequired checks the admin bearer token used for credit grants.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	return bearerRequired(func() string { return s.cfg.API.AdminToken })
}

func bearerRequired(expected func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := expected()
		if want == "" {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(want)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// UserRequired resolves the acting user forwarded by the gateway.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := parseOptionalSnowflakeID(c.GetHeader(HeaderUserID))
		if err != nil || userID == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, *userID)
		ctx := obscontext.WithActor(c.Request.Context(), "user", userID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func currentUserID(c *gin.Context) snowflake.ID {
	if value, ok := c.Get(contextUserIDKey); ok {
		if id, ok := value.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return *id, nil
}
