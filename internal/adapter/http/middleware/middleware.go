package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderSignature  = "X-Signature"
	HeaderDeliveryID = "X-Delivery-Id"

	// Context keys
	CtxUserID     = "user_id"
	CtxMerchantID = "merchant_id"
	CtxRole       = "role"
)

// ReplayGuard remembers callback deliveries that were already accepted.
type ReplayGuard interface {
	FirstSeen(ctx context.Context, scope, id string, ttl time.Duration) (bool, error)
}

// RequestID propagates X-Request-ID or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// JWTAuth creates a middleware that validates bearer tokens and stores the
// caller identity on the context.
func JWTAuth(tokenSvc ports.TokenService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenStr == "" {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		claims, err := tokenSvc.Validate(tokenStr)
		if err != nil {
			log.Debug().Err(err).Msg("token rejected")
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxRole, claims.Role)
		if claims.MerchantID != nil {
			c.Set(CtxMerchantID, *claims.MerchantID)
		}
		c.Next()
	}
}

// RequireMerchant rejects callers whose token carries no merchant.
func RequireMerchant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(CtxMerchantID); !ok {
			response.Error(c, apperror.ErrForbidden())
			c.Abort()
			return
		}
		c.Next()
	}
}

// CallbackAuth verifies the HMAC-SHA256 signature a settlement channel puts
// on its notifications, then drops deliveries that were already accepted.
// The channel is taken from the :method path parameter. guard may be nil.
func CallbackAuth(
	secrets map[domain.SettlementMethod]string,
	sigSvc ports.SignatureService,
	guard ReplayGuard,
	replayTTL time.Duration,
	log zerolog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := domain.SettlementMethod(c.Param("method"))
		secret, ok := secrets[method]
		if !ok {
			response.Error(c, apperror.ErrNotFound("callback channel"))
			c.Abort()
			return
		}

		signature := c.GetHeader(HeaderSignature)
		if signature == "" || secret == "" {
			response.Error(c, apperror.ErrInvalidSignature())
			c.Abort()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.Error(c, apperror.Validation("cannot read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		if !sigSvc.Verify(secret, bodyBytes, signature) {
			log.Warn().Str("method", string(method)).Str("client_ip", c.ClientIP()).Msg("callback signature mismatch")
			response.Error(c, apperror.ErrInvalidSignature())
			c.Abort()
			return
		}

		if guard != nil {
			deliveryID := c.GetHeader(HeaderDeliveryID)
			if deliveryID == "" {
				sum := sha256.Sum256(bodyBytes)
				deliveryID = hex.EncodeToString(sum[:])
			}
			isNew, err := guard.FirstSeen(c.Request.Context(), string(method), deliveryID, replayTTL)
			if err != nil {
				log.Warn().Err(err).Msg("replay guard error, allowing callback")
			} else if !isNew {
				response.Error(c, apperror.ErrCallbackReplayed())
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

// MaxBodySize returns middleware that limits the request body size.
// Once the limit is exceeded the reader returns an error.
func MaxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString(response.RequestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				response.Error(c, apperror.InternalError(nil))
				c.Abort()
			}
		}()
		c.Next()
	}
}
