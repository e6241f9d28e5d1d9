package main

import (
	"bytes"
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
	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minRounds     = 15
	maxRounds     = 100
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	operatorIdentity = "sim-operator"
	apiSecret        = "sim-secret"
	jwtSecret        = "sim-jwt-secret"

	// Every identity starts with this balance in base units.
	seedBalance = uint64(10_000_000_000)
)

var assets = []string{"USDT", "USDC", "SOL"}

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
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
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

// simulationClient handles HTTP communication with the escrow API. It
// keeps a JWT per simulated identity so each call is made as the right
// party.
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	tokens map[string]string
	stats  map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens: make(map[string]string),
		stats: map[string]*routeStats{
			"auth":          {name: "Authentication"},
			"open_account":  {name: "Open Account"},
			"credit":        {name: "Credit Account"},
			"open_order":    {name: "Open Order"},
			"create_ticket": {name: "Create Ticket"},
			"sign_ticket":   {name: "Sign Ticket"},
			"get_order":     {name: "Get Order"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	stats := sc.stats[route]
	stats.addDuration(time.Since(start))
	if err != nil {
		stats.failures++
	}
}

// authenticate fetches and caches a JWT for the given identity
func (sc *simulationClient) authenticate(identity string) (string, error) {
	sc.mu.Lock()
	if token, ok := sc.tokens[identity]; ok {
		sc.mu.Unlock()
		return token, nil
	}
	sc.mu.Unlock()

	start := time.Now()
	var err error
	defer func() { sc.record("auth", start, err) }()

	body, err := json.Marshal(map[string]string{
		"api_key":    identity,
		"api_secret": apiSecret,
	})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
		return "", err
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	sc.mu.Lock()
	sc.tokens[identity] = result.Data.Token
	sc.mu.Unlock()
	return result.Data.Token, nil
}

// call performs an authenticated request as the given identity and
// decodes the data envelope into out
func (sc *simulationClient) call(identity, method, path string, payload, out interface{}) error {
	token, err := sc.authenticate(identity)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// openAccount opens a token account owned by the identity
func (sc *simulationClient) openAccount(identity, asset string) (string, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("open_account", start, err) }()

	var account struct {
		AccountID string `json:"account_id"`
	}
	err = sc.call(identity, "POST", "/api/v1/accounts", map[string]string{"asset": asset}, &account)
	if err != nil {
		return "", err
	}
	return account.AccountID, nil
}

// creditAccount mints balance into an account as the operator
func (sc *simulationClient) creditAccount(accountID string, amount uint64) error {
	start := time.Now()
	var err error
	defer func() { sc.record("credit", start, err) }()

	err = sc.call(operatorIdentity, "POST",
		fmt.Sprintf("/api/v1/admin/accounts/%s/credit", accountID),
		map[string]uint64{"amount": amount}, nil)
	return err
}

// openOrder creates a Sell order funded from the seller's account
func (sc *simulationClient) openOrder(identity string, params escrow.OpenOrderParams) (string, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("open_order", start, err) }()

	var result struct {
		OrderRef string `json:"order_ref"`
	}
	err = sc.call(identity, "POST", "/api/v1/orders", params, &result)
	if err != nil {
		return "", err
	}
	if result.OrderRef == "" {
		err = fmt.Errorf("no order ref in response")
		return "", err
	}
	return result.OrderRef, nil
}

// createTicket reserves a slice of an order as the counterparty
func (sc *simulationClient) createTicket(identity, orderRef string, params escrow.CreateTicketParams) (string, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("create_ticket", start, err) }()

	var ticket struct {
		TicketRef string `json:"ticket_ref"`
	}
	err = sc.call(identity, "POST",
		fmt.Sprintf("/api/v1/orders/%s/tickets", orderRef), params, &ticket)
	if err != nil {
		return "", err
	}
	return ticket.TicketRef, nil
}

// signTicket records one party's attestation on a ticket
func (sc *simulationClient) signTicket(identity, ticketRef string, params escrow.SignTicketParams) (map[string]interface{}, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("sign_ticket", start, err) }()

	var result map[string]interface{}
	err = sc.call(identity, "POST",
		fmt.Sprintf("/api/v1/tickets/%s/sign", ticketRef), params, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(identity, orderRef string) error {
	start := time.Now()
	var err error
	defer func() { sc.record("get_order", start, err) }()

	err = sc.call(identity, "GET", fmt.Sprintf("/api/v1/orders/%s", orderRef), nil, nil)
	return err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// roundResult captures the outcome of one seller/buyer escrow round
type roundResult struct {
	asset   string
	amount  uint64
	settled bool
	closed  bool
}

// main runs the escrow simulation
// It starts a local API server and simulates concurrent seller/buyer pairs
func main() {
	authService, escrowCfg := buildServices()

	go func() {
		if err := startServer(authService, escrowCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	// Operator fee accounts, one per asset
	feeAccounts := make(map[string]string)
	for _, asset := range assets {
		accountID, err := simClient.openAccount(operatorIdentity, asset)
		if err != nil {
			log.Fatal().Err(err).Str("asset", asset).Msg("Failed to open operator fee account")
		}
		feeAccounts[asset] = accountID
	}

	targetRounds := rand.Intn(maxRounds-minRounds) + minRounds
	log.Info().Int("target_rounds", targetRounds).Msg("Starting simulation")

	resultsChan := make(chan roundResult, targetRounds)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runRounds(workerID, targetRounds/numWorkers, simClient, authService, feeAccounts, resultsChan)
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	stats := struct {
		TotalRounds  int
		Settled      int
		OrdersClosed int
		Failed       int
		TotalValue   uint64
		Assets       map[string]int
	}{
		Assets: make(map[string]int),
	}

	for result := range resultsChan {
		stats.TotalRounds++
		stats.Assets[result.asset]++
		if result.settled {
			stats.Settled++
			stats.TotalValue += result.amount
		} else {
			stats.Failed++
		}
		if result.closed {
			stats.OrdersClosed++
		}
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Round Statistics
----------------
Total Rounds:   %d
Settled:        %d
Orders Closed:  %d
Failed:         %d
Total Value:    %d base units
Duration:       %v

Asset Distribution
------------------
`, stats.TotalRounds, stats.Settled, stats.OrdersClosed, stats.Failed,
		stats.TotalValue, duration.Round(time.Millisecond))

	maxAssetCount := 0
	for _, count := range stats.Assets {
		if count > maxAssetCount {
			maxAssetCount = count
		}
	}
	for asset, count := range stats.Assets {
		barLength := int(float64(count) / float64(maxAssetCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", asset, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(stats.Settled) / float64(stats.TotalRounds) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_rounds", stats.TotalRounds).
		Int("settled", stats.Settled).
		Uint64("total_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// runRounds drives full escrow rounds: seller opens and funds a Sell
// order, buyer reserves the whole amount, buyer attests the fiat leg,
// seller countersigns, settlement auto-closes the order.
func runRounds(workerID, rounds int, simClient *simulationClient, authService *auth.Service, feeAccounts map[string]string, resultsChan chan<- roundResult) {
	for i := 0; i < rounds; i++ {
		seller := fmt.Sprintf("SELLER_%d_%d", workerID, i)
		buyer := fmt.Sprintf("BUYER_%d_%d", workerID, i)
		authService.RegisterAPICredentials(seller, apiSecret)
		authService.RegisterAPICredentials(buyer, apiSecret)

		asset := assets[rand.Intn(len(assets))]
		amount := uint64(rand.Intn(1000)+100) * 1_000_000

		result := roundResult{asset: asset, amount: amount}

		sellerAccount, err := simClient.openAccount(seller, asset)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to open seller account")
			resultsChan <- result
			continue
		}
		buyerAccount, err := simClient.openAccount(buyer, asset)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to open buyer account")
			resultsChan <- result
			continue
		}
		if err := simClient.creditAccount(sellerAccount, seedBalance); err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to seed seller account")
			resultsChan <- result
			continue
		}

		orderRef, err := simClient.openOrder(seller, escrow.OpenOrderParams{
			OrderID:         uint64(workerID*10_000 + i + 1),
			Asset:           asset,
			Direction:       "SELL",
			CommittedAmount: amount,
			FiatAmount:      amount / 1000,
			FundingAccount:  sellerAccount,
		})
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to open order")
			resultsChan <- result
			continue
		}

		ticketRef, err := simClient.createTicket(buyer, orderRef, escrow.CreateTicketParams{
			TicketID: 1,
			Amount:   amount,
		})
		if err != nil {
			log.Error().Err(err).Str("order_ref", orderRef).Msg("Failed to create ticket")
			resultsChan <- result
			continue
		}

		// Buyer is the fiat side of a Sell order and must sign first
		if _, err := simClient.signTicket(buyer, ticketRef, escrow.SignTicketParams{}); err != nil {
			log.Error().Err(err).Str("ticket_ref", ticketRef).Msg("Buyer signature failed")
			resultsChan <- result
			continue
		}

		signResult, err := simClient.signTicket(seller, ticketRef, escrow.SignTicketParams{
			FiatDestination: buyerAccount,
			FeeDestination:  feeAccounts[asset],
		})
		if err != nil {
			log.Error().Err(err).Str("ticket_ref", ticketRef).Msg("Seller signature failed")
			resultsChan <- result
			continue
		}

		result.settled = true
		if closed, ok := signResult["order_closed"].(bool); ok {
			result.closed = closed
		}

		if !result.closed {
			if err := simClient.getOrder(seller, orderRef); err != nil {
				log.Debug().Err(err).Str("order_ref", orderRef).Msg("Order lookup after settlement")
			}
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_ref", orderRef).
			Str("ticket_ref", ticketRef).
			Str("asset", asset).
			Uint64("amount", amount).
			Bool("order_closed", result.closed).
			Msg("Round settled")

		resultsChan <- result
	}
}

// buildServices constructs the shared auth service and engine config
// used by both the embedded server and the round runners
func buildServices() (*auth.Service, escrow.Config) {
	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(operatorIdentity, apiSecret)

	return authService, escrow.Config{
		FeeBasisPoints:   20,
		AdminIdentity:    operatorIdentity,
		TicketCooldown:   0, // rounds fire tickets back to back
		MaxTicketsPerDay: 70,
		DustThreshold:    1_000_000,
	}
}

// startServer initializes and starts the escrow API server
// Sets up all required services, handlers and routes
func startServer(authService *auth.Service, escrowCfg escrow.Config) error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	custodyService := custody.NewService(db)
	escrowService := escrow.NewService(db, escrowCfg)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	custodyHandlers := custody.NewGinHandlers(custodyService)
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	setupRoutes(router, escrowCfg, authHandlers, custodyHandlers, escrowHandlers)

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	escrowCfg escrow.Config,
	authHandlers *auth.GinHandlers,
	custodyHandlers *custody.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Token account routes
		accounts := v1.Group("/accounts")
		accounts.Use(middleware.JWTAuth(jwtSecret))
		{
			accounts.POST("", custodyHandlers.OpenAccountHandler())
			accounts.GET("/:account_id", custodyHandlers.GetAccountHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", escrowHandlers.OpenOrderHandler())
			orders.POST("/accept", escrowHandlers.AcceptOfferHandler())
			orders.GET("/:order_ref", escrowHandlers.GetOrderHandler())
			orders.GET("/:order_ref/tickets", escrowHandlers.ListTicketsHandler())
			orders.POST("/:order_ref/tickets", escrowHandlers.CreateTicketHandler())
			orders.POST("/:order_ref/cancel", escrowHandlers.CancelOrderHandler())
			orders.POST("/:order_ref/close", escrowHandlers.CloseOrderHandler())
		}

		// Ticket routes
		tickets := v1.Group("/tickets")
		tickets.Use(middleware.JWTAuth(jwtSecret))
		{
			tickets.GET("/:ticket_ref", escrowHandlers.GetTicketHandler())
			tickets.POST("/:ticket_ref/sign", escrowHandlers.SignTicketHandler())
			tickets.POST("/:ticket_ref/cancel", escrowHandlers.CancelTicketHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret), middleware.AdminAuth(escrowCfg.AdminIdentity))
		{
			admin.POST("/orders/:order_ref/resolve", escrowHandlers.AdminResolveOrderHandler())
			admin.POST("/tickets/:ticket_ref/resolve", escrowHandlers.AdminResolveTicketHandler())
			admin.POST("/accounts/:account_id/credit", custodyHandlers.CreditAccountHandler())
		}
	}
}
