package http

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Context keys set by JWTAuthMiddleware
const (
	ctxUserID      = "userID"
	ctxExternalID  = "externalID"
	ctxDisplayName = "displayName"
	ctxUsername    = "username"
)

// JWTAuthMiddleware validates JWT tokens for user endpoints
// sub 是宿主聊天应用的用户 ID (数字或数字字符串)
func JWTAuthMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.Unauthorized("missing authorization header"))
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			abortWithError(c, apperrors.Unauthorized("invalid authorization format"))
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secretKey), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))

		if err != nil || !token.Valid {
			abortWithError(c, apperrors.Unauthorized("invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abortWithError(c, apperrors.Unauthorized("invalid token claims"))
			return
		}

		externalID, ok := subjectID(claims)
		if !ok {
			abortWithError(c, apperrors.Unauthorized("token subject is not a user id"))
			return
		}

		c.Set(ctxUserID, strconv.FormatInt(externalID, 10))
		c.Set(ctxExternalID, externalID)
		if name, ok := claims["name"].(string); ok {
			c.Set(ctxDisplayName, name)
		}
		if username, ok := claims["username"].(string); ok {
			c.Set(ctxUsername, username)
		}

		c.Next()
	}
}

// subjectID reads the sub claim as a positive int64.
func subjectID(claims jwt.MapClaims) (int64, bool) {
	var id int64
	switch sub := claims["sub"].(type) {
	case string:
		n, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return 0, false
		}
		id = n
	case float64:
		id = int64(sub)
		if float64(id) != sub {
			return 0, false
		}
	default:
		return 0, false
	}
	return id, id > 0
}

// InternalAuthMiddleware validates internal service calls
// 使用常量时间比较防止时序攻击
func InternalAuthMiddleware(internalSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(internalSecret)) != 1 {
			abortWithError(c, apperrors.Unauthorized("unauthorized internal access"))
			return
		}
		c.Next()
	}
}

// RateLimiter 按 key 的令牌桶速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	every    rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per window per key, refilled evenly.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Sweep drops keys idle for a full window. Their buckets have refilled, so a
// new limiter for the same key behaves identically.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for key, entry := range rl.limiters {
		if !entry.lastSeen.After(cutoff) {
			delete(rl.limiters, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户 ID 或 IP 作为限制 key
		key := c.GetString(ctxUserID)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			abortWithError(c, apperrors.RateLimited("rate limit exceeded, please try again later"))
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
