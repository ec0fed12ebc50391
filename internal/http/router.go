package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/gramvpn/provisioning-service/internal/service"
	"github.com/rs/zerolog"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	admin   *AdminHandler
	cfg     *config.Config

	// 全局速率限制器: 每用户每分钟最多 30 次请求
	userLimiter *RateLimiter
	// 订阅创建速率限制器: 每用户每小时最多 5 次 (覆盖支付重试)
	createLimiter *RateLimiter
	// Trial 激活速率限制器: 每用户每小时最多 10 次（防止滥用）
	trialLimiter *RateLimiter
}

func NewServer(cfg *config.Config, provisionService *service.ProvisionService, fleetService *service.FleetService, log zerolog.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))
	router.Use(metrics.GinMiddleware())

	handler := NewHandler(provisionService, log)

	s := &Server{
		router:        router,
		handler:       handler,
		admin:         NewAdminHandler(handler, fleetService),
		cfg:           cfg,
		userLimiter:   NewRateLimiter(30, time.Minute),
		createLimiter: NewRateLimiter(5, time.Hour),
		trialLimiter:  NewRateLimiter(10, time.Hour),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "provisioning-service",
		})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Subscription links - opened by VPN client apps, no authentication
	s.router.GET("/subscription/:external_id", s.handler.GetSubscriptionContent)
	s.router.GET("/qr/:external_id", s.handler.GetSubscriptionQR)

	// Public API - no authentication required
	public := s.router.Group("/api/v1/public")
	{
		public.GET("/plans", s.handler.GetPlans)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(s.userLimiter)) // 用户 API 速率限制
	{
		user.POST("/me", s.handler.RegisterMe)
		user.GET("/me/status", s.handler.GetMyStatus)
		user.GET("/me/referrals", s.handler.GetMyReferrals)
		user.POST("/me/trial", RateLimitMiddleware(s.trialLimiter), s.handler.StartMyTrial)
		user.POST("/me/subscriptions", RateLimitMiddleware(s.createLimiter), s.handler.CreateMySubscription)
		user.POST("/promo/validate", s.handler.ValidatePromo)
	}

	// Internal API - called by bot backends
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/users/:external_id/trial", s.handler.InternalStartTrial)
		internal.POST("/users/:external_id/subscriptions", s.handler.InternalCreateSubscription)
		internal.GET("/users/:external_id/status", s.handler.InternalGetStatus)

		// Fleet administration
		internal.GET("/admin/servers", s.admin.ListServers)
		internal.POST("/admin/servers/probe", s.admin.ProbeServers)
	}
}

// SweepLimiters drops idle rate limiter keys and reports how many went.
func (s *Server) SweepLimiters() int {
	return s.userLimiter.Sweep() + s.createLimiter.Sweep() + s.trialLimiter.Sweep()
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
