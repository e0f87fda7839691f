package main

import (
	"context"
	"log"
	"mongowatch/internal/config"
	"mongowatch/internal/handlers"
	"mongowatch/internal/jobs"
	"mongowatch/internal/logging"
	"mongowatch/internal/middleware"
	"mongowatch/internal/services"
	"mongowatch/pkg/auth"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting MongoWatch Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	// External record sinks (optional - records always reach WebSocket
	// subscribers through the in-process bus, sinks fan them out further)
	var sinks []services.RecordSink

	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		redisSink, err := services.NewRedisSink(cfg.RedisURL, cfg.RedisChannelPrefix)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (redis sink disabled)", err)
		} else {
			sinks = append(sinks, redisSink)
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - redis sink disabled")
	}

	if cfg.AMQPURL != "" {
		log.Println("🔗 Connecting to RabbitMQ...")
		amqpSink, err := services.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Printf("⚠️ Failed to connect to RabbitMQ: %v (amqp sink disabled)", err)
		} else {
			sinks = append(sinks, amqpSink)
		}
	} else {
		log.Println("⚠️ AMQP_URL not set - amqp sink disabled")
	}

	// relay is nil when no sink is configured; the manager handles that.
	relay := services.NewSinkRelay(sinks, cfg.SinkBuffer, cfg.PublishTimeout)

	// Record bus feeding WebSocket subscribers
	bus := services.NewRecordBus(cfg.BusBuffer)

	// Session manager owns every change stream session in the process
	manager := services.NewSessionManager(cfg, bus, relay)

	// Initialize Prometheus metrics
	services.InitMetrics(manager)
	log.Println("✅ Prometheus metrics initialized")

	// Initialize authentication (JWT)
	var tokenAuth *auth.TokenAuth
	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET is required in production. Generate with: openssl rand -hex 64")
		}
		log.Println("⚠️  JWT_SECRET not set - authentication disabled (development mode)")
	} else {
		tokenExpiry := 24 * time.Hour
		if expiryStr := os.Getenv("JWT_TOKEN_EXPIRY"); expiryStr != "" {
			if parsed, err := time.ParseDuration(expiryStr); err == nil {
				tokenExpiry = parsed
			} else {
				log.Printf("⚠️  Invalid JWT_TOKEN_EXPIRY: %v, using default 24h", err)
			}
		}

		var err error
		tokenAuth, err = auth.NewTokenAuth(cfg.JWTSecret, tokenExpiry)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT authentication: %v", err)
		}
		log.Printf("✅ JWT authentication initialized (token expiry: %v)", tokenExpiry)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "MongoWatch v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second, // stream WebSockets are hijacked and not subject to this
		BodyLimit:    1 * 1024 * 1024,   // session definitions are small
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("mongowatch")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Management=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.ManagementMax,
		rateLimitConfig.WebSocketMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		// Default to localhost for development
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard origins.
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))

	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	// Global API rate limiter - first line of DDoS defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	log.Println("🛡️  [RATE-LIMIT] Global API rate limiter enabled")

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(manager)
	sessionHandler := handlers.NewSessionHandler(manager)
	streamWSHandler := handlers.NewStreamWebSocketHandler(manager, bus)

	// Routes

	// Health check (public)
	app.Get("/health", healthHandler.Handle)

	// Session management (authenticated; create/stop additionally rate limited
	// because each create dials a MongoDB deployment)
	managementLimiter := middleware.ManagementRateLimiter(rateLimitConfig)

	api := app.Group("/api")
	sessions := api.Group("/sessions", middleware.TokenAuthMiddleware(tokenAuth))
	sessions.Post("/", managementLimiter, sessionHandler.Create)
	sessions.Get("/", sessionHandler.List)
	sessions.Get("/:id", sessionHandler.Get)
	sessions.Delete("/:id", managementLimiter, sessionHandler.Delete)

	// WebSocket route (requires upgrade)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Rate limiter for WebSocket connections (configurable via RATE_LIMIT_WEBSOCKET env var)
	wsConnectionLimiter := middleware.WebSocketRateLimiter(rateLimitConfig)

	// WebSocket config with allowed origins (same as CORS config)
	wsOrigins := strings.Split(allowedOrigins, ",")
	wsConfig := websocket.Config{
		Origins: wsOrigins,
	}

	app.Use("/ws/sessions", wsConnectionLimiter)
	app.Use("/ws/sessions", middleware.TokenAuthMiddleware(tokenAuth))
	app.Get("/ws/sessions/:id/stream", websocket.New(streamWSHandler.Handle, wsConfig))

	// Start sessions declared in the definitions file, hot-reloading on change
	if cfg.DefinitionsPath != "" {
		defs, err := config.LoadDefinitions(cfg.DefinitionsPath)
		if err != nil {
			log.Printf("⚠️ Failed to load session definitions: %v", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			started := manager.ApplyDefinitions(ctx, defs)
			cancel()
			log.Printf("✅ Started %d of %d session(s) from %s", started, len(defs), cfg.DefinitionsPath)
		}
		go startDefinitionsFileWatcher(cfg.DefinitionsPath, manager)
	} else {
		log.Println("⚠️ SESSION_DEFINITIONS_PATH not set - starting with no sessions (use the API)")
	}

	// Watchdog pings active sessions and flags stale ones
	var watchdog *jobs.Watchdog
	if cfg.WatchdogEnabled {
		var err error
		watchdog, err = jobs.NewWatchdog(manager, cfg.WatchdogInterval, cfg.StaleThreshold)
		if err != nil {
			log.Printf("⚠️ Failed to create watchdog: %v", err)
		} else if err := watchdog.Start(); err != nil {
			log.Printf("⚠️ Failed to start watchdog: %v", err)
		}
	} else {
		log.Println("⚠️ Watchdog disabled")
	}

	// Start server
	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🔗 Stream endpoint: ws://localhost:%s/ws/sessions/:id/stream", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop the watchdog before tearing sessions down
		if watchdog != nil {
			if err := watchdog.Stop(); err != nil {
				log.Printf("⚠️ Error stopping watchdog: %v", err)
			}
		}

		// Close every session: in-flight events finish, cursors are released
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		manager.StopAll(ctx)
		cancel()

		// Flush and close record sinks
		if relay != nil {
			relay.Close()
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// startDefinitionsFileWatcher watches the definitions file for changes and
// starts any new sessions it declares. Running sessions are left alone; an
// edited entry takes effect only after its session is stopped via the API.
func startDefinitionsFileWatcher(filePath string, manager *services.SessionManager) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	// Get absolute path for the file
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our specific file
			if filepath.Base(event.Name) != filename {
				continue
			}

			// React to write and create events
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				// Debounce: cancel previous timer and set a new one
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading session definitions...", filePath)

					defs, err := config.LoadDefinitions(filePath)
					if err != nil {
						log.Printf("❌ Failed to reload session definitions: %v", err)
						return
					}

					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					started := manager.ApplyDefinitions(ctx, defs)
					cancel()
					log.Printf("✅ Definitions reloaded: %d new session(s) started", started)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
