package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"vault-ingest/internal/utils"
	"vault-ingest/pkg/response"
)

// RateLimiterConfig configuration for rate limiting
type RateLimiterConfig struct {
	// Requests per minute
	RPM int
	// Burst size
	Burst int
	// Cleanup interval for inactive clients
	CleanupInterval time.Duration
}

// RateLimiter limits requests per client. Ingestion runs are expensive, so the API
// protects itself from callers that resubmit the same work in a loop.
type RateLimiter struct {
	config  RateLimiterConfig
	clients map[string]*clientLimiter
	mutex   sync.Mutex
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. Call Run to evict idle clients.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RPM <= 0 {
		config.RPM = 60
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	return &RateLimiter{
		config:  config,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// RateLimit creates a rate limiting middleware
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := rl.client(rl.clientID(c))

		if !client.limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(int(time.Minute/time.Second)/rl.config.RPM+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.ErrorResponse(
				utils.ErrCodeRateLimitExceeded,
				"Rate limit exceeded. Please try again later.",
				"Maximum "+strconv.Itoa(rl.config.RPM)+" requests per minute allowed",
				GetCorrelationID(c),
			))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.RPM))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(client.limiter.Tokens())))
		c.Next()
	}
}

func (rl *RateLimiter) client(id string) *clientLimiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cl, ok := rl.clients[id]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.config.RPM)), rl.config.Burst),
		}
		rl.clients[id] = cl
	}
	cl.lastSeen = rl.now()
	return cl
}

// clientID prefers an API key header and falls back to the client address.
func (rl *RateLimiter) clientID(c *gin.Context) string {
	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
		return "apikey:" + apiKey
	}
	clientIP := c.ClientIP()
	if clientIP == "" {
		clientIP = "unknown"
	}
	return "ip:" + clientIP
}

// Run evicts clients idle for longer than the cleanup interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for id, client := range rl.clients {
		if now.Sub(client.lastSeen) > rl.config.CleanupInterval {
			delete(rl.clients, id)
		}
	}
}

// ActiveClients returns the number of tracked clients.
func (rl *RateLimiter) ActiveClients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}
