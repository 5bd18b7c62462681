package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/observability"
	obsmiddleware "github.com/smallbiznis/railhook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	obstracing "github.com/smallbiznis/railhook/internal/observability/tracing"
	"github.com/smallbiznis/railhook/internal/ratelimit"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.NoMethod(func(c *gin.Context) {
		AbortWithError(c, ErrMethodNotAllowed)
	})
	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP serves engine on the configured address for the app lifetime.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
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
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	ingestSvc  domain.Service
	limiter    *ratelimit.SourceLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	IngestSvc  domain.Service
	Limiter    *ratelimit.SourceLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.webhook"),
		ingestSvc:  p.IngestSvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks", CORS(s.cfg.Webhook.SourceHeader))
	hooks.POST("", s.HandleWebhook)
	hooks.OPTIONS("", Preflight)
}
