package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tablepay/internal/alert"
	"github.com/smallbiznis/tablepay/internal/audit"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/bill"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/tablepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tablepay/internal/observability/tracing"
	"github.com/smallbiznis/tablepay/internal/payment"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/payout"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	"github.com/smallbiznis/tablepay/internal/providers"
	"github.com/smallbiznis/tablepay/internal/ratelimit"
	"github.com/smallbiznis/tablepay/internal/refund"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
	"github.com/smallbiznis/tablepay/internal/settlement"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Services wires the ledger domains without the HTTP surface.
var Services = fx.Options(
	ratelimit.Module,
	providers.Module,
	audit.Module,
	alert.Module,
	gateway.Module,
	settlement.Module,
	bill.Module,
	payment.Module,
	refund.Module,
	payout.Module,
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	Services,
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine        *gin.Engine
	auditSvc      auditdomain.Service
	billSvc       billdomain.Service
	paymentSvc    paymentdomain.Service
	webhookSvc    paymentdomain.WebhookService
	refundSvc     refunddomain.Service
	settlementSvc settlementdomain.Service
	payoutSvc     payoutdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	AuditSvc      auditdomain.Service
	BillSvc       billdomain.Service
	PaymentSvc    paymentdomain.Service
	WebhookSvc    paymentdomain.WebhookService
	RefundSvc     refunddomain.Service
	SettlementSvc settlementdomain.Service
	PayoutSvc     payoutdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		auditSvc:      p.AuditSvc,
		billSvc:       p.BillSvc,
		paymentSvc:    p.PaymentSvc,
		webhookSvc:    p.WebhookSvc,
		refundSvc:     p.RefundSvc,
		settlementSvc: p.SettlementSvc,
		payoutSvc:     p.PayoutSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", Principal())

	restaurant := api.Group("", RestaurantRequired())

	// -------- Bills --------
	restaurant.POST("/bills", s.CreateBill)
	restaurant.GET("/bills", s.ListBills)
	restaurant.GET("/bills/:id", s.GetBill)
	restaurant.PATCH("/bills/:id", s.UpdateBillAmounts)
	restaurant.POST("/bills/:id/close", s.ForceCloseBill)
	restaurant.POST("/bills/:id/reopen", s.ReopenBill)
	restaurant.DELETE("/bills/:id", s.DeleteBill)

	// -------- Payments --------
	restaurant.POST("/bills/:id/payments", s.CreatePayment)
	restaurant.GET("/bills/:id/payments", s.ListBillPayments)
	restaurant.GET("/payments/:id", s.GetPayment)
	restaurant.POST("/payments/:id/confirm", s.ConfirmPayment)
	restaurant.POST("/payments/:id/fail", s.FailPayment)

	// -------- Refunds --------
	restaurant.POST("/payments/:id/refunds", s.CreateRefund)
	restaurant.GET("/payments/:id/refunds", s.ListPaymentRefunds)
	restaurant.POST("/refunds/:id/confirm", s.ConfirmRefund)
	restaurant.POST("/refunds/:id/fail", s.FailRefund)
	restaurant.POST("/refunds/:id/cancel", s.CancelRefund)

	// -------- Settlements --------
	restaurant.GET("/settlements", s.ListSettlements)
	restaurant.GET("/settlements/:date", s.GetDailySettlement)
	restaurant.GET("/settlements/:date/verify", s.VerifySettlement)
	restaurant.GET("/settlements/:date/statement.pdf", s.DownloadSettlementStatement)
	restaurant.POST("/settlements/:date/cash-count", s.RecordCashCount)
	restaurant.POST("/settlements/:date/close", s.CloseSettlementDay)

	// -------- Audit --------
	restaurant.GET("/audit-logs", s.ListAuditLogs)

	// -------- Revenue shares --------
	// Scoped by partner or restaurant when present; platform operators see all.
	shares := api.Group("/revenue-shares", ActorRequired())
	shares.GET("", s.ListRevenueShares)
	shares.POST("/compute", s.ComputeRevenueShares)
	shares.GET("/:id", s.GetRevenueShare)
	shares.POST("/:id/mark-paid", s.MarkRevenueSharePaid)
	shares.POST("/:id/retry", s.RetryRevenueSharePayout)
}
