package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/exhazordinary/atomicsettle/internal/auth"
	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/database"
	"github.com/exhazordinary/atomicsettle/internal/fx"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/settlement"
	"github.com/exhazordinary/atomicsettle/internal/stream"
	"github.com/exhazordinary/atomicsettle/pkg/client"
	"github.com/exhazordinary/atomicsettle/pkg/middleware"
)

const (
	minSettlements = 15
	maxSettlements = 120
	numWorkers     = 5
	serverAddress  = "http://localhost:8080"
)

// A corridor is one payment route the simulation exercises.
type corridor struct {
	from         string
	to           string
	currency     string
	destCurrency string // empty for same-currency corridors
}

var corridors = []corridor{
	{from: "BANK_US", to: "BANK_EU", currency: "USD", destCurrency: "EUR"},
	{from: "BANK_US", to: "BANK_UK", currency: "USD", destCurrency: "GBP"},
	{from: "BANK_US", to: "BANK_JP", currency: "USD", destCurrency: "JPY"},
	{from: "BANK_EU", to: "BANK_UK", currency: "EUR", destCurrency: "GBP"},
	{from: "BANK_UK", to: "BANK_US", currency: "USD"},
	{from: "BANK_EU", to: "BANK_US", currency: "USD"},
	{from: "BANK_SG", to: "BANK_US", currency: "USD"},
}

var participants = map[string]string{
	"BANK_US": "Meridian Bank NA",
	"BANK_EU": "Europa Clearing SE",
	"BANK_UK": "Albion Payments Ltd",
	"BANK_JP": "Sakura Settlement KK",
	"BANK_SG": "Straits Financial Pte",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes min, max, mean, median, 95th and 99th percentile
// durations from the recorded measurements.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// operator drives the admin API: participant registration, funding, and the
// ledger integrity check.
type operator struct {
	baseURL string
	token   string
	client  *http.Client
}

func newOperator() (*operator, error) {
	op := &operator{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	body, _ := json.Marshal(map[string]string{
		"api_key":    "operator-key",
		"api_secret": "operator-secret",
	})
	resp, err := op.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", op.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, fmt.Errorf("operator authentication failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Data.Token == "" {
		return nil, fmt.Errorf("operator authentication failed with status %d", resp.StatusCode)
	}
	op.token = result.Data.Token
	return op, nil
}

func (op *operator) post(path string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest("POST", op.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+op.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := op.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

func (op *operator) verifyIntegrity() (bool, error) {
	req, err := http.NewRequest("GET", op.baseURL+"/api/v1/admin/ledger/integrity", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+op.token)

	resp, err := op.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			Balanced bool `json:"balanced"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Data.Balanced, nil
}

// setupNetwork registers the simulated banks and funds their balances.
func (op *operator) setupNetwork() error {
	for id, name := range participants {
		if err := op.post("/api/v1/admin/participants", map[string]string{
			"participant_id": id,
			"name":           name,
		}); err != nil {
			return err
		}

		for _, currency := range []string{"USD", "EUR", "GBP", "JPY"} {
			if err := op.post(fmt.Sprintf("/api/v1/admin/participants/%s/deposit", id), map[string]string{
				"amount":   "5000000",
				"currency": currency,
			}); err != nil {
				return err
			}
		}
		log.Info().Str("participant_id", id).Str("name", name).Msg("Participant registered and funded")
	}
	return nil
}

// main runs the settlement simulation: it starts a local coordinator,
// registers a small bank network, drives concurrent settlement traffic
// through the SDK, and reports outcome and latency statistics.
func main() {
	go func() {
		if err := startCoordinator(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start coordinator")
		}
	}()

	time.Sleep(2 * time.Second)

	op, err := newOperator()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate operator")
	}
	if err := op.setupNetwork(); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up bank network")
	}

	sessions := make(map[string]*client.Client, len(participants))
	for id := range participants {
		session := client.New(client.Config{
			BaseURL:   serverAddress,
			APIKey:    strings.ToLower(id) + "-key",
			APISecret: strings.ToLower(id) + "-secret",
		})
		if err := session.Connect(context.Background()); err != nil {
			log.Fatal().Err(err).Str("participant_id", id).Msg("Failed to connect session")
		}
		sessions[id] = session
	}

	stats := map[string]*routeStats{
		"submit": {name: "Submit Settlement"},
		"get":    {name: "Get Settlement"},
	}

	targetSettlements := rand.Intn(maxSettlements-minSettlements) + minSettlements
	log.Info().Int("target_settlements", targetSettlements).Msg("Starting simulation")

	results := make(chan *client.Settlement, targetSettlements)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, targetSettlements/numWorkers, sessions, stats, results)
		}(i)
	}
	wg.Wait()
	close(results)

	summary := struct {
		Total        int
		Settled      int
		Failed       int
		CrossFx      int
		FailureCodes map[string]int
		Corridors    map[string]int
		TotalUSD     decimal.Decimal
		Durations    []int64
	}{
		FailureCodes: make(map[string]int),
		Corridors:    make(map[string]int),
	}

	for stl := range results {
		summary.Total++
		route := fmt.Sprintf("%s->%s", stl.Legs[0].FromParticipant, stl.Legs[0].ToParticipant)
		summary.Corridors[route]++
		if len(stl.FxRates) > 0 {
			summary.CrossFx++
		}
		switch stl.Status {
		case client.StatusSettled:
			summary.Settled++
			if stl.Legs[0].Amount.Currency == "USD" {
				summary.TotalUSD = summary.TotalUSD.Add(stl.Legs[0].Amount.Value)
			}
			if stl.Timing.SettledAt != nil {
				summary.Durations = append(summary.Durations,
					stl.Timing.SettledAt.Sub(stl.Timing.InitiatedAt).Milliseconds())
			}
		default:
			summary.Failed++
			if stl.Failure != nil {
				summary.FailureCodes[stl.Failure.Code]++
			}
		}
	}

	balanced, err := op.verifyIntegrity()
	if err != nil {
		log.Error().Err(err).Msg("Integrity check failed to run")
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Settlement Statistics
---------------------
Total Submitted:   %d
Settled:           %d
Failed/Rejected:   %d
Cross-Currency:    %d
USD Volume:        $%s
Ledger Balanced:   %t
Duration:          %v

Corridor Distribution
---------------------
`, summary.Total, summary.Settled, summary.Failed, summary.CrossFx,
		summary.TotalUSD.StringFixed(2), balanced, duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range summary.Corridors {
		if count > maxCount {
			maxCount = count
		}
	}
	for route, count := range summary.Corridors {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-20s: %s (%d)\n", route, strings.Repeat("#", barLength), count)
	}

	if len(summary.FailureCodes) > 0 {
		fmt.Println("\nFailure Codes")
		fmt.Println("-------------")
		for code, count := range summary.FailureCodes {
			fmt.Printf("%-22s: %d\n", code, count)
		}
	}

	if len(summary.Durations) > 0 {
		sort.Slice(summary.Durations, func(i, j int) bool { return summary.Durations[i] < summary.Durations[j] })
		fmt.Printf("\nSettlement latency (ms): min=%d median=%d max=%d\n",
			summary.Durations[0],
			summary.Durations[len(summary.Durations)/2],
			summary.Durations[len(summary.Durations)-1])
	}

	printPerformanceStats(stats)

	successRate := 0.0
	if summary.Total > 0 {
		successRate = float64(summary.Settled) / float64(summary.Total) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("total", summary.Total).
		Int("settled", summary.Settled).
		Bool("ledger_balanced", balanced).
		Dur("duration", duration).
		Msg("Simulation completed")
}

// runWorker submits settlements over random corridors, waiting for each to
// reach a terminal status.
func runWorker(workerID, count int, sessions map[string]*client.Client, stats map[string]*routeStats, results chan<- *client.Settlement) {
	for i := 0; i < count; i++ {
		route := corridors[rand.Intn(len(corridors))]
		session := sessions[route.from]

		req := client.SettlementRequest{
			ToParticipant: route.to,
			Amount:        fmt.Sprintf("%d.%02d", rand.Intn(50000)+100, rand.Intn(100)),
			Currency:      route.currency,
			Purpose:       "TRADE",
		}
		if route.destCurrency != "" {
			req.FxInstruction = &client.FxInstruction{
				Mode:           "AT_COORDINATOR",
				TargetCurrency: route.destCurrency,
			}
		}

		start := time.Now()
		stl, err := session.Send(context.Background(), req,
			client.WithIdempotencyKey(uuid.New().String()),
			client.WithWait(),
		)
		stats["submit"].addDuration(time.Since(start))
		if err != nil {
			stats["submit"].addFailure()
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("from", route.from).
				Str("to", route.to).
				Msg("Failed to submit settlement")
			continue
		}

		start = time.Now()
		refreshed, err := session.GetSettlement(context.Background(), stl.SettlementID)
		stats["get"].addDuration(time.Since(start))
		if err != nil {
			stats["get"].addFailure()
		} else {
			stl = refreshed
		}

		results <- stl
		log.Info().
			Int("worker_id", workerID).
			Str("settlement_id", stl.SettlementID).
			Str("status", stl.Status).
			Str("route", fmt.Sprintf("%s->%s", route.from, route.to)).
			Str("amount", req.Amount+" "+req.Currency).
			Msg("Settlement finished")

		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}

// printPerformanceStats outputs formatted latency statistics per endpoint.
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// startCoordinator wires and runs an in-process coordinator for the
// simulation to talk to.
func startCoordinator() error {
	gin.SetMode(gin.ReleaseMode)

	cfg := config.Default()
	cfg.DatabasePath = "file::memory:?cache=shared"

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAdmin("operator-key", "operator-secret")
	for id := range participants {
		authService.RegisterParticipant(strings.ToLower(id)+"-key", strings.ToLower(id)+"-secret", id)
	}

	ledgerService := ledger.NewService(db)

	provider := fx.NewInMemoryProvider("coordinator-desk", cfg.FxRateValidity)
	provider.SetRate(money.CurrencyPair{Base: money.USD, Quote: money.EUR}, decimal.RequireFromString("0.9234"))
	provider.SetRate(money.CurrencyPair{Base: money.USD, Quote: money.GBP}, decimal.RequireFromString("0.7891"))
	provider.SetRate(money.CurrencyPair{Base: money.USD, Quote: money.JPY}, decimal.RequireFromString("147.25"))
	provider.SetRate(money.CurrencyPair{Base: money.EUR, Quote: money.GBP}, decimal.RequireFromString("0.8546"))
	binder := fx.NewBinder(provider, cfg.FxMaxRequotes)

	hub := stream.NewHub()
	wsHandlers := stream.NewWebSocketHandler(hub)

	settlementDB := settlement.NewDatabase(db)
	orchestrator := settlement.NewOrchestrator(ledgerService, binder, settlementDB, hub, cfg)
	settlementService := settlement.NewService(settlementDB, ledgerService, orchestrator, cfg)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	reaper := settlement.NewProcessor(settlementDB, ledgerService, orchestrator, cfg)
	go reaper.Start(context.Background())

	router := gin.New()
	router.Use(gin.Recovery())

	authHandlers := auth.NewGinHandlers(authService)
	setupRoutes(router, cfg, authHandlers, settlementHandlers, wsHandlers)

	return router.Run(":8080")
}

// setupRoutes mirrors the coordinator's route layout for the in-process server.
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	wsHandlers *stream.WebSocketHandler,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		settlements := v1.Group("/settlements")
		settlements.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			settlements.POST("", settlementHandlers.SubmitSettlementHandler())
			settlements.POST("/multi", settlementHandlers.SubmitMultiSettlementHandler())
			settlements.GET("", settlementHandlers.ListSettlementsHandler())
			settlements.GET("/:settlement_id", settlementHandlers.GetSettlementHandler())
			settlements.GET("/:settlement_id/journal", settlementHandlers.GetJournalHandler())
		}

		balances := v1.Group("/balances")
		balances.Use(middleware.JWTAuth(cfg.JWTSecret))
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
