package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/signal-relay/internal/auth"
	"github.com/ksred/signal-relay/internal/brokerage"
	"github.com/ksred/signal-relay/internal/config"
	"github.com/ksred/signal-relay/internal/database"
	"github.com/ksred/signal-relay/internal/dispatch"
	"github.com/ksred/signal-relay/internal/facade"
	"github.com/ksred/signal-relay/internal/fills"
	"github.com/ksred/signal-relay/internal/notify"
	"github.com/ksred/signal-relay/internal/session"
	"github.com/ksred/signal-relay/internal/trades"
	"github.com/ksred/signal-relay/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the relay together and serves until SIGINT/SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	registry, err := cfg.LoadAccounts()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load accounts")
	}
	zlog.Info().
		Int("count", registry.Len()).
		Strs("accounts", registry.Names()).
		Str("broker_mode", cfg.Broker.Mode).
		Msg("Accounts loaded")

	db, err := database.NewDatabase(cfg.Storage.DBFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	var client brokerage.Client
	switch cfg.Broker.Mode {
	case config.BrokerModeSimulator:
		zlog.Warn().Msg("Using simulated brokerage, no real orders will be placed")
		client = brokerage.NewSimulator(brokerage.SimulatorOptions{
			MinLatency:  20 * time.Millisecond,
			MaxLatency:  150 * time.Millisecond,
			SuccessRate: 1,
		})
	default:
		client = brokerage.NewTradeLocker(brokerage.TradeLockerOptions{MinGap: cfg.Broker.MinGap})
	}

	sessions := session.NewManager(registry, client, session.Options{Margin: cfg.Broker.RefreshMargin})
	store := trades.NewStore(db)
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.Timeout)

	dispatcher := dispatch.NewDispatcher(registry, sessions, client, store, notifier, dispatch.Options{
		CallTimeout:     cfg.Broker.CallTimeout,
		DispatchTimeout: cfg.Broker.DispatchTimeout,
		NotifyTimeout:   cfg.Notify.Timeout,
	})

	poller := fills.NewPoller(store, registry, sessions, client, cfg.Broker.FillPollInterval, cfg.Broker.CallTimeout)
	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	defer pollerCancel()

	go poller.Start(pollerCtx)

	authService := auth.NewService(cfg.Operator.JWTSecret, cfg.Operator.APIKey, cfg.Operator.APISecret)
	facadeService := facade.NewService(registry, sessions, store, poller, version, cfg.Storage.DBFile)

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(), middleware.RateLimit())

	setupRoutes(router, cfg,
		dispatch.NewGinHandlers(dispatcher),
		facade.NewGinHandlers(facadeService),
		auth.NewGinHandlers(authService),
		authService,
	)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Str("version", version).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	pollerCancel()

	// Give outstanding dispatches 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all endpoints:
//   - POST /trade takes alert webhooks, guarded by the webhook secret
//   - GET /, /trades and /test are the public read side
//   - /debug/* is guarded by operator JWT when an operator is configured
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	tradeHandlers *dispatch.GinHandlers,
	facadeHandlers *facade.GinHandlers,
	authHandlers *auth.GinHandlers,
	authService *auth.Service,
) {
	router.GET("/", facadeHandlers.HealthHandler())
	router.POST("/trade", middleware.WebhookSecret(cfg.Server.WebhookSecret), tradeHandlers.TradeHandler())

	router.GET("/trades", facadeHandlers.ListTradesHandler())
	router.GET("/trades/:trade_id", facadeHandlers.GetTradeHandler())
	router.GET("/test", facadeHandlers.TestHandler())

	router.POST("/auth/token", authHandlers.GenerateTokenHandler())

	debug := router.Group("/debug")
	if cfg.DebugProtected() {
		debug.Use(middleware.JWTAuth(authService))
	} else {
		zlog.Warn().Msg("No operator configured, debug routes are unauthenticated")
	}
	{
		debug.GET("/list", facadeHandlers.DebugListHandler())
		debug.GET("/token/:account", facadeHandlers.DebugTokenHandler())
		debug.POST("/invalidate/:account", facadeHandlers.DebugInvalidateHandler())
		debug.POST("/reauth/:account", facadeHandlers.DebugReauthHandler())
		debug.POST("/sync/:trade_id", facadeHandlers.DebugSyncHandler())
	}
}
