package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	ledgerdomain "github.com/smallbiznis/threadscout/internal/ledger/domain"
	"github.com/smallbiznis/threadscout/internal/observability"
	obsmiddleware "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	obstracing "github.com/smallbiznis/threadscout/internal/observability/tracing"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/progress"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	campaigns     campaigndomain.Service
	opportunities opportunitydomain.Service
	ledger        ledgerdomain.Service
	progress      *progress.Publisher
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Ledger        ledgerdomain.Service
	Progress      *progress.Publisher `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		campaigns:     p.Campaigns,
		opportunities: p.Opportunities,
		ledger:        p.Ledger,
		progress:      p.Progress,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.TokenRequired(), s.UserRequired())

	// -------- Campaigns --------
	api.GET("/campaigns", s.ListCampaigns)
	api.POST("/campaigns", s.CreateCampaign)
	api.GET("/campaigns/:id", s.GetCampaignByID)
	api.PATCH("/campaigns/:id", s.UpdateCampaign)
	api.POST("/campaigns/:id/activate", s.ActivateCampaign)
	api.POST("/campaigns/:id/pause", s.PauseCampaign)
	api.POST("/campaigns/:id/complete", s.CompleteCampaign)
	api.GET("/campaigns/:id/progress", s.GetCampaignProgress)

	// -------- Opportunities --------
	api.GET("/opportunities", s.ListOpportunities)
	api.GET("/opportunities/:id", s.GetOpportunityByID)
	api.POST("/opportunities/:id/approve", s.ApproveOpportunity)
	api.POST("/opportunities/:id/approve-comment", s.ApproveComment)
	api.PUT("/opportunities/:id/comment", s.EditComment)
	api.POST("/opportunities/:id/regenerate", s.RegenerateComment)
	api.POST("/opportunities/:id/reject", s.RejectOpportunity)
	api.POST("/opportunities/:id/archive", s.ArchiveOpportunity)

	// -------- Credits --------
	api.GET("/credits", s.GetCreditBalance)
	api.GET("/credits/history", s.ListCreditHistory)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminTokenRequired())

	admin.POST("/users/:userId/credits", s.GrantCredits)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
