package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/exhazordinary/atomicsettle/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Limits per endpoint class
	authLimit       = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	settlementLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	queryLimit      = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, participantID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := participantID + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/settlements"):
			limit = settlementLimit
		case strings.HasPrefix(path, "/api/v1/balances"):
			limit = queryLimit
		default:
			limit = rate.Inf
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit rejects callers over their per-endpoint budget with a retry hint.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := c.GetString("participant_id")
		if participantID == "" {
			participantID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), participantID)
		reservation := limiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			response.TooManyRequests(c, "rate limit exceeded", delay.Milliseconds())
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and puts participant_id in the context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "invalid token claims")
			c.Abort()
			return
		}

		for _, claim := range []string{"participant_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		c.Set("claims", claims)
		if participantID, ok := claims["participant_id"].(string); ok {
			c.Set("participant_id", participantID)
		}

		c.Next()
	}
}

// AdminAuth gates operator endpoints: the token must carry an admin role.
func AdminAuth(secret string) gin.HandlerFunc {
	jwtAuth := JWTAuth(secret)
	return func(c *gin.Context) {
		jwtAuth(c)
		if c.IsAborted() {
			return
		}

		claims, _ := c.MustGet("claims").(jwt.MapClaims)
		if role, _ := claims["role"].(string); role != "admin" {
			response.Unauthorized(c, "admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}
