package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/config"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/observability"
	obsmiddleware "github.com/smallbiznis/arbiter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/arbiter/internal/observability/tracing"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"github.com/smallbiznis/arbiter/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
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

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

// run binds the listener during OnStart so a taken port fails startup
// instead of killing the process later.
func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			log.Info("http server listening", zap.Stringer("addr", ln.Addr()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// in-flight option and verdict generations get the fx stop budget
			return srv.Shutdown(ctx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	disputeSvc      disputedomain.Service
	auditSvc        auditdomain.Service
	limiter         *ratelimit.ActorLimiter
	scheduler       *scheduler.Scheduler
	systemTokenHash []byte
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	DisputeSvc disputedomain.Service
	AuditSvc   auditdomain.Service     `optional:"true"`
	Limiter    *ratelimit.ActorLimiter `optional:"true"`
	Scheduler  *scheduler.Scheduler    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		disputeSvc: p.DisputeSvc,
		auditSvc:   p.AuditSvc,
		limiter:    p.Limiter,
		scheduler:  p.Scheduler,
	}
	if hash := strings.TrimSpace(p.Cfg.SystemTokenHash); hash != "" {
		s.systemTokenHash = []byte(hash)
	} else {
		s.log.Warn("SYSTEM_TOKEN_HASH is not set; internal endpoints will reject every call")
	}

	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.PartyRequired())

	mutation := s.RateLimit(ratelimit.ClassMutation)
	generation := s.RateLimit(ratelimit.ClassGeneration)

	disputes := api.Group("/disputes")
	disputes.POST("", mutation, s.OpenDispute)
	disputes.GET("/:id", s.GetDispute)
	disputes.POST("/:id/evidence", mutation, s.AddEvidence)
	disputes.POST("/:id/offers", mutation, s.SubmitCounterOffer)
	disputes.POST("/:id/offers/:responseId/accept", mutation, s.AcceptCounterOffer)
	disputes.GET("/:id/escalation", s.CanEscalate)
	disputes.POST("/:id/escalate", mutation, s.Escalate)
	disputes.GET("/:id/options", generation, s.GetResolutionOptions)
	disputes.POST("/:id/options/:optionId/select", mutation, s.SelectOption)
	disputes.GET("/:id/decision", generation, s.GetFinalDecision)
	disputes.POST("/:id/decision/accept", mutation, s.AcceptDecision)
	disputes.GET("/:id/external-resolution", s.ExternalResolutionTerms)
	disputes.POST("/:id/external-resolution", mutation, s.ChooseExternalResolution)
	disputes.GET("/:id/statement.pdf", s.DownloadStatement)

	s.engine.GET("/api/disputes/:id/parties", s.PartyOrSystem(), s.GetDisputeParties)

	internal := s.engine.Group("/internal")
	internal.Use(s.SystemRequired())
	internal.POST("/disputes/:id/options", s.GenerateResolutionOptions)
	internal.POST("/disputes/:id/decision", s.GenerateFinalDecision)
	internal.POST("/disputes/:id/settlement/retry", s.RetrySettlement)
	internal.GET("/disputes/:id/consensus-logs", s.ListConsensusLogs)
	internal.GET("/disputes/:id/audit-logs", s.ListAuditLogs)
	internal.POST("/scheduler/run", s.RunScheduler)
}
