package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analyticsdomain "github.com/smallbiznis/subchain/internal/analytics/domain"
	"github.com/smallbiznis/subchain/internal/auth"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/observability"
	obsmiddleware "github.com/smallbiznis/subchain/internal/observability/logger"
	obstracing "github.com/smallbiznis/subchain/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
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
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	verifier     *auth.Verifier
	billingSvc   billingdomain.Service
	paymentSvc   paymentdomain.Service
	analyticsSvc analyticsdomain.Service
	webhookSvc   webhookdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Verifier     *auth.Verifier
	BillingSvc   billingdomain.Service
	PaymentSvc   paymentdomain.Service
	AnalyticsSvc analyticsdomain.Service
	WebhookSvc   webhookdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http"),
		verifier:     p.Verifier,
		billingSvc:   p.BillingSvc,
		paymentSvc:   p.PaymentSvc,
		analyticsSvc: p.AnalyticsSvc,
		webhookSvc:   p.WebhookSvc,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", auth.RequireBearer(s.verifier, AbortWithError))

	// -------- Plans --------
	api.GET("/plans", s.ListPlans)
	api.POST("/plans", s.CreatePlan)
	api.GET("/plans/:id", s.GetPlanByID)
	api.PATCH("/plans/:id", s.UpdatePlan)
	api.DELETE("/plans/:id", s.DeletePlan)
	api.POST("/plans/:id/activate", s.ActivatePlan)
	api.POST("/plans/:id/deactivate", s.DeactivatePlan)

	// -------- Subscribers --------
	api.GET("/subscribers", s.ListSubscribers)
	api.POST("/subscribers", s.EnrollSubscriber)
	api.GET("/subscribers/:id", s.GetSubscriberByID)
	api.PATCH("/subscribers/:id", s.UpdateSubscriber)
	api.POST("/subscribers/:id/pause", s.PauseSubscriber)
	api.POST("/subscribers/:id/resume", s.ResumeSubscriber)
	api.POST("/subscribers/:id/cancel", s.CancelSubscriber)

	// -------- Payments --------
	api.GET("/payments", s.ListPayments)
	api.POST("/payments", s.RecordPayment)
	api.GET("/payments/:id", s.GetPaymentByID)
	api.POST("/payments/:id/refund", s.RefundPayment)
	api.GET("/payments/:id/receipt", s.DownloadReceipt)

	// -------- Analytics --------
	api.GET("/analytics/overview", s.AnalyticsOverview)

	// -------- Webhooks --------
	api.GET("/webhooks", s.ListWebhooks)
	api.POST("/webhooks", s.CreateWebhook)
	api.GET("/webhooks/:id", s.GetWebhookByID)
	api.PATCH("/webhooks/:id", s.UpdateWebhook)
	api.DELETE("/webhooks/:id", s.DeleteWebhook)
	api.POST("/webhooks/:id/activate", s.ActivateWebhook)
	api.POST("/webhooks/:id/deactivate", s.DeactivateWebhook)
	api.POST("/webhooks/:id/rotate_secret", s.RotateWebhookSecret)
	api.POST("/webhooks/:id/test", s.SendTestWebhook)
	api.GET("/webhooks/:id/events", s.ListWebhookEvents)
	api.POST("/webhook_events/:id/redeliver", s.RedeliverWebhookEvent)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
