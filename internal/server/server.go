package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tillworks/licensing/internal/config"
	"github.com/tillworks/licensing/internal/identity"
	"github.com/tillworks/licensing/internal/license"
	"github.com/tillworks/licensing/internal/observability"
	obsmiddleware "github.com/tillworks/licensing/internal/observability/logger"
	obsmetrics "github.com/tillworks/licensing/internal/observability/metrics"
	obstracing "github.com/tillworks/licensing/internal/observability/tracing"
	"github.com/tillworks/licensing/internal/ratelimit"
	"github.com/tillworks/licensing/internal/reconciler"
	reconcilerdomain "github.com/tillworks/licensing/internal/reconciler/domain"
	"github.com/tillworks/licensing/internal/stripe"
	"github.com/tillworks/licensing/internal/subscription"
	subscriptiondomain "github.com/tillworks/licensing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	identity.Module,
	license.Module,
	stripe.Module,
	reconciler.Module,
	subscription.Module,
	ratelimit.Module,
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
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine           *gin.Engine
	cfg              config.Config
	log              *zap.Logger
	identityResolver identity.Resolver
	reconcilerSvc    reconcilerdomain.Service
	subscriptionSvc  subscriptiondomain.Service
	limiter          *ratelimit.TokenBucket
}

type ServerParams struct {
	fx.In

	Gin              *gin.Engine
	Cfg              config.Config
	Log              *zap.Logger
	IdentityResolver identity.Resolver
	ReconcilerSvc    reconcilerdomain.Service
	SubscriptionSvc  subscriptiondomain.Service
	Limiter          *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		log:              p.Log.Named("server"),
		identityResolver: p.IdentityResolver,
		reconcilerSvc:    p.ReconcilerSvc,
		subscriptionSvc:  p.SubscriptionSvc,
		limiter:          p.Limiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.RateLimit("webhook", 50, 100), s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	api.GET("/license", s.GetLicense)

	subs := api.Group("/subscription", s.RateLimit("command", 5, 10))
	{
		subs.POST("/cancel", s.CancelSubscription)
		subs.POST("/change-plan", s.ChangePlan)
		subs.POST("/reactivate", s.ReactivateSubscription)
		subs.POST("/schedule-deletion", s.ScheduleDeletion)
		subs.POST("/cancel-deletion", s.CancelDeletion)
	}
}
