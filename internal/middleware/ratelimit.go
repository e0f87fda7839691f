package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int           // Max requests per minute for all API endpoints
	GlobalAPIExpiration time.Duration // Expiration window

	// Session management limits (per authenticated principal)
	ManagementMax        int
	ManagementExpiration time.Duration

	// WebSocket/Connection limits (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 200/min = ~3.3 req/sec - very generous for normal use
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		// Session create/stop: each one dials a MongoDB deployment
		ManagementMax:        30,
		ManagementExpiration: 1 * time.Minute,

		// WebSocket: 20 connections/min in production
		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	// Allow environment overrides for tuning
	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_MANAGEMENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ManagementMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_WEBSOCKET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WebSocketMax = n
		}
	}

	// Development mode: more lenient limits
	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.WebSocketMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// GlobalAPIRateLimiter creates a rate limiter for all API requests
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(config.GlobalAPIExpiration.Seconds()),
			})
		},
		SkipFailedRequests:     false,
		SkipSuccessfulRequests: false,
	})
}

// ManagementRateLimiter covers session create and stop, which open and close
// connections to monitored deployments. Keyed by principal when known.
func ManagementRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ManagementMax,
		Expiration: config.ManagementExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if principal, ok := c.Locals("principal").(string); ok && principal != "" {
				return "mgmt:" + principal
			}
			return "mgmt-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Management limit reached for %v on %s", c.Locals("principal"), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many session operations. Please wait before trying again.",
				"retry_after": int(config.ManagementExpiration.Seconds()),
			})
		},
	})
}

// WebSocketRateLimiter for WebSocket connection attempts
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.WebSocketMax,
		Expiration: config.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] WebSocket connection limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"retry_after": int(config.WebSocketExpiration.Seconds()),
			})
		},
	})
}
