package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/decidr/chat-core/internal/api"
	"github.com/decidr/chat-core/internal/apierrors"
	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/config"
	"github.com/decidr/chat-core/internal/gateway"
	"github.com/decidr/chat-core/internal/group"
	"github.com/decidr/chat-core/internal/httputil"
	"github.com/decidr/chat-core/internal/message"
	"github.com/decidr/chat-core/internal/postgres"
	"github.com/decidr/chat-core/internal/presence"
	"github.com/decidr/chat-core/internal/ratelimit"
	"github.com/decidr/chat-core/internal/room"
	"github.com/decidr/chat-core/internal/user"
	"github.com/decidr/chat-core/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("version", version).Str("commit", commit).Str("env", cfg.Environment).Msg("starting chat core")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("valkey connected")

	// Durable repositories.
	userRepo := user.NewPGRepository(db, log.Logger)
	groupRepo := group.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)

	// Authorization Oracle: token verification plus the membership checks every handler funnels through.
	tokens := authz.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	oracle := authz.NewOracle(groupRepo)

	// Presence Cache, Room Manager, Message Pipeline, and the rate-limit hookpoint all share the same Valkey client.
	presenceStore := presence.NewStore(rdb, cfg.UserSocketsTTL, cfg.RoomUsersTTL, cfg.UserRoomsTTL, cfg.RoomSocketsTTL, cfg.TypingTTL)
	rooms := room.NewManager(presenceStore, oracle, log.Logger)
	pipeline := message.NewPipeline(messageRepo, oracle, rooms, groupRepo,
		cfg.MaxMessageContentLength, cfg.DefaultHistoryPageSize, cfg.MaxHistoryPageSize, log.Logger)

	rateLimiter, err := ratelimit.New(rdb, cfg.RateLimitJoinPerMinute, cfg.RateLimitSendPerMinute, cfg.RateLimitTypingPerMinute)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	gatewayHub := gateway.NewHub(tokens, userRepo, oracle, rooms, pipeline, presenceStore, rateLimiter, cfg.ClientSendQueueSize, log.Logger)

	restApp := newRESTApp(cfg, db, rdb, tokens, oracle, groupRepo, pipeline)
	socketApp := newSocketApp(gatewayHub)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errs := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Info().Str("addr", addr).Msg("REST API listening")
		if err := restApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			errs <- fmt.Errorf("rest server error: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.SocketPort)
		log.Info().Str("addr", addr).Msg("gateway listening")
		if err := socketApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			errs <- fmt.Errorf("gateway server error: %w", err)
		}
	}()

	select {
	case <-quit:
		log.Info().Msg("shutting down")
	case err := <-errs:
		log.Error().Err(err).Msg("listener failed, shutting down")
	}

	gatewayHub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := restApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("REST server shutdown error")
	}
	if err := socketApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway server shutdown error")
	}

	return nil
}

// newRESTApp builds the Fiber app serving group, member, and message CRUD plus the health check. It runs on
// HTTP_PORT, separate from the WebSocket gateway's SOCKET_PORT listener.
func newRESTApp(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, tokens *authz.TokenVerifier, oracle *authz.Oracle,
	groupRepo group.Repository, pipeline *message.Pipeline) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "chatcore",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "an internal error occurred"
			code := apierrors.InternalError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				msg = fe.Message
				code = fiberStatusToAPICode(status)
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Error: httputil.ErrorBody{Code: code, Message: msg}})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{Max: 300, Expiration: time.Minute}))

	requireAuth := api.RequireAuth(tokens)

	health := api.NewHealthHandler(db, rdb)
	app.Get("/health", health.Health)

	groupHandler := api.NewGroupHandler(groupRepo, oracle, log.Logger)
	memberHandler := api.NewMemberHandler(groupRepo, oracle, log.Logger)
	messageHandler := api.NewMessageHandler(pipeline, log.Logger)

	v1 := app.Group("/api/v1", requireAuth)

	v1.Post("/groups", groupHandler.Create)
	v1.Get("/groups/:id", groupHandler.Get)
	v1.Put("/groups/:id", groupHandler.Update)
	v1.Delete("/groups/:id", groupHandler.Delete)

	v1.Get("/:groupId/members", memberHandler.List)
	v1.Post("/:groupId/members", memberHandler.Add)
	v1.Delete("/:groupId/members/:userId", memberHandler.Remove)

	v1.Post("/messages", messageHandler.Create)
	v1.Get("/:groupId/messages", messageHandler.History)
	v1.Get("/messages/:id", messageHandler.Get)
	v1.Put("/messages/:id", messageHandler.Update)
	v1.Delete("/messages/:id", messageHandler.Delete)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app
}

// newSocketApp builds the Fiber app serving only the WebSocket upgrade endpoint. Authentication happens once, inside
// the Hub, using the bearer token extracted at upgrade time; there is no separate auth middleware on this app.
func newSocketApp(hub *gateway.Hub) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "chatcore-gateway"})
	gatewayHandler := api.NewGatewayHandler(hub)
	app.Get("/gateway", gatewayHandler.Upgrade)
	return app
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest entry
// in the fixed error taxonomy.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusUnauthorized:
		return apierrors.Unauthorized
	case fiber.StatusForbidden:
		return apierrors.Forbidden
	case fiber.StatusConflict:
		return apierrors.Conflict
	default:
		if status >= 400 && status < 500 {
			return apierrors.ValidationError
		}
		return apierrors.InternalError
	}
}
