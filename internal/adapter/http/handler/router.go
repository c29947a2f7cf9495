package handler

import (
	"time"

	"qpesapay/internal/adapter/http/middleware"
	redisStore "qpesapay/internal/adapter/storage/redis"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc      ports.PaymentService
	SettlementSvc   ports.SettlementService
	Parsers         ParserLookup
	TokenSvc        ports.TokenService
	SigSvc          ports.SignatureService
	CallbackSecrets map[domain.SettlementMethod]string
	ReplayGuard     middleware.ReplayGuard // nil = callback replay detection disabled
	ReplayTTL       time.Duration
	RateLimitStore  *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers  []ports.HealthChecker
	OpenAPISpec     []byte
	MaxBodyBytes    int64
	Mode            string
	Logger          zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.ReplayTTL <= 0 {
		deps.ReplayTTL = 24 * time.Hour
	}
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	docs := NewDocsHandler(deps.OpenAPISpec)
	r.GET("/docs", docs.UI)
	r.GET("/docs/openapi.yaml", docs.Spec)

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)

	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	payments := v1.Group("/payments", jwtAuth)
	{
		payments.POST("", rl("payments"), paymentHandler.CreatePayment)
		payments.GET("/:id", rl("read"), paymentHandler.GetPayment)
		payments.POST("/:id/cancel", rl("payments"), paymentHandler.CancelPayment)
	}

	settlementHandler := NewSettlementHandler(deps.SettlementSvc, deps.Parsers, deps.Logger)
	settlements := v1.Group("/settlements", jwtAuth, middleware.RequireMerchant())
	{
		settlements.POST("", rl("settlements"), settlementHandler.CreateSettlement)
		settlements.GET("/:id", rl("read"), settlementHandler.GetSettlement)
		settlements.POST("/:id/cancel", rl("settlements"), settlementHandler.CancelSettlement)
	}

	// Channel notifications are authenticated by signature, not by token.
	callbackAuth := middleware.CallbackAuth(deps.CallbackSecrets, deps.SigSvc, deps.ReplayGuard, deps.ReplayTTL, deps.Logger)
	v1.POST("/callbacks/:method", rl("callbacks"), callbackAuth, settlementHandler.Callback)

	return r
}
