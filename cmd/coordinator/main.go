package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/exhazordinary/atomicsettle/internal/auth"
	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/database"
	"github.com/exhazordinary/atomicsettle/internal/fx"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/settlement"
	"github.com/exhazordinary/atomicsettle/internal/stream"
	"github.com/exhazordinary/atomicsettle/pkg/middleware"
)

// init configures logging based on environment settings. Development gets
// pretty console output; DEBUG=true raises verbosity.
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

// main wires the coordinator: database, ledger, FX desk, orchestrator, the
// streaming hub, the background reaper, and the API surface, with graceful
// shutdown.
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAdmin("operator-key", "operator-secret")
	seedCredentials(authService)

	ledgerService := ledger.NewService(db)

	provider := fx.NewInMemoryProvider("coordinator-desk", cfg.FxRateValidity)
	seedRates(provider)
	binder := fx.NewBinder(provider, cfg.FxMaxRequotes)

	hub := stream.NewHub()
	wsHandlers := stream.NewWebSocketHandler(hub)

	settlementDB := settlement.NewDatabase(db)
	orchestrator := settlement.NewOrchestrator(ledgerService, binder, settlementDB, hub, cfg)
	settlementService := settlement.NewService(settlementDB, ledgerService, orchestrator, cfg)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	reaper := settlement.NewProcessor(settlementDB, ledgerService, orchestrator, cfg)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	go reaper.Start(reaperCtx)

	setupRoutes(router, cfg, authHandlers, settlementHandlers, wsHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down coordinator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Coordinator exiting")
}

// seedCredentials registers demo API credentials for the sample banks.
func seedCredentials(authService *auth.Service) {
	for _, id := range []string{"BANK_US", "BANK_EU", "BANK_UK", "BANK_JP", "BANK_SG"} {
		key := strings.ToLower(id)
		authService.RegisterParticipant(key+"-key", key+"-secret", id)
	}
}

// seedRates loads the FX desk with the corridor mids the coordinator quotes.
func seedRates(provider *fx.InMemoryProvider) {
	mids := map[money.CurrencyPair]string{
		{Base: money.USD, Quote: money.EUR}: "0.9234",
		{Base: money.USD, Quote: money.GBP}: "0.7891",
		{Base: money.USD, Quote: money.JPY}: "147.25",
		{Base: money.USD, Quote: money.SGD}: "1.3412",
		{Base: money.USD, Quote: money.INR}: "83.16",
		{Base: money.EUR, Quote: money.GBP}: "0.8546",
		{Base: money.GBP, Quote: money.JPY}: "186.60",
	}
	for pair, mid := range mids {
		provider.SetRate(pair, decimal.RequireFromString(mid))
	}
}

// setupRoutes configures the API surface:
//   - Auth routes: public token issuance
//   - Settlement and balance routes: scoped to the authenticated participant
//   - Stream route: websocket feed of the caller's settlement status changes
//   - Admin routes: participant registry, funding, review, ledger integrity
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	wsHandlers *stream.WebSocketHandler,
) {
	v1 := router.Group("/api/v1")
	{
		// Token issuance is unauthenticated, so its limiter keys on client IP.
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// The limiter runs after JWTAuth so it keys on the authenticated
		// participant rather than the caller's IP.
		settlements := v1.Group("/settlements")
		settlements.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RateLimit())
		{
			settlements.POST("", settlementHandlers.SubmitSettlementHandler())
			settlements.POST("/multi", settlementHandlers.SubmitMultiSettlementHandler())
			settlements.GET("", settlementHandlers.ListSettlementsHandler())
			settlements.GET("/:settlement_id", settlementHandlers.GetSettlementHandler())
			settlements.GET("/:settlement_id/journal", settlementHandlers.GetJournalHandler())
		}

		balances := v1.Group("/balances")
		balances.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RateLimit())
		{
			balances.GET("", settlementHandlers.GetBalancesHandler())
			balances.GET("/:currency", settlementHandlers.GetBalanceHandler())
		}

		streamRoutes := v1.Group("/stream")
		streamRoutes.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			streamRoutes.GET("", wsHandlers.StreamHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(cfg.JWTSecret))
		{
			admin.POST("/participants", settlementHandlers.CreateParticipantHandler())
			admin.GET("/participants", settlementHandlers.ListParticipantsHandler())
			admin.PUT("/participants/:participant_id/status", settlementHandlers.UpdateParticipantStatusHandler())
			admin.POST("/participants/:participant_id/deposit", settlementHandlers.DepositHandler())
			admin.GET("/participants/:participant_id/balances", settlementHandlers.GetBalancesHandler())
			admin.POST("/settlements/:settlement_id/review", settlementHandlers.ReviewSettlementHandler())
			admin.GET("/ledger/integrity", settlementHandlers.VerifyIntegrityHandler())
		}
	}
}
