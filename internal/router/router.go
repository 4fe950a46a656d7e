package router

import (
	"net/http"

	"herald/internal/common"
	"herald/internal/config"
	"herald/internal/domain/notification"
	"herald/internal/middleware"

	"github.com/gin-gonic/gin"
)

// New creates and configures the Gin router with all middleware and routes.
// metricsHandler may be nil, in which case /metrics is not served.
func New(
	cfg *config.Config,
	notificationHandler *notification.Handler,
	metricsHandler http.Handler,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Global middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	// Public routes
	r.GET("/health", healthCheck)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// Provider callbacks: no API key, no per-IP limit, always acknowledged
	webhooks := r.Group("/webhooks")
	notificationHandler.RegisterWebhookRoutes(webhooks)

	// Protected API routes (API key required)
	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
	)
	protectedAPI := r.Group("/api/v1")
	protectedAPI.Use(rateLimiter.Middleware())
	protectedAPI.Use(middleware.Auth(cfg.Auth.APIKeys))
	{
		notificationHandler.RegisterRoutes(protectedAPI)
	}

	return r
}

// healthCheck handles GET /health
func healthCheck(c *gin.Context) {
	common.Success(c, http.StatusOK, gin.H{
		"status":  "ok",
		"service": "herald",
	})
}
