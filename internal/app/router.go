package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ServiceName names the service in traces.
const ServiceName = "payment-reconciler"

// Router returns the HTTP surface. Inbound channels are mounted only while
// the gateway is usable; admin routes only when admin credentials are set.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(ServiceName), requestLogger(a.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	cfg := a.Config
	available := cfg.Gateway.Available()
	if available && cfg.Channels.WebhookEnabled {
		handlers := []gin.HandlerFunc{}
		if cfg.Channels.WebhookUsername != "" {
			handlers = append(handlers, gin.BasicAuth(gin.Accounts{cfg.Channels.WebhookUsername: cfg.Channels.WebhookPassword}))
		}
		r.POST("/webhooks/juspay", append(handlers, a.Webhook.Handle)...)
	}
	if available && cfg.Channels.ReturnEnabled {
		r.GET("/return/juspay", a.Return.Handle)
		r.POST("/return/juspay", a.Return.Handle)
	}

	if cfg.Admin.Username != "" {
		admin := r.Group("/admin", gin.BasicAuth(gin.Accounts{cfg.Admin.Username: cfg.Admin.Password}))
		if available {
			admin.GET("/orders/juspay/status", a.Manual.Handle)
			admin.POST("/orders/juspay/status", a.Manual.Handle)
		}
		admin.POST("/orders/:id/payment-link", a.paymentLink)
		admin.POST("/orders/:id/refunds", a.refund)
		admin.GET("/reconciliation/report", a.report)
	}
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
