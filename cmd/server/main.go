/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the premium lifecycle engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize SQLite store (seed institutions in dev mode)
  3. Build engine services and API handler
  4. Configure HTTP router and metrics
  5. Start background scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional; defaults apply without it)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database
  -policy  JSON policy definition file (overrides the config policy)
  -seed    Load sample institutions on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for running jobs
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with defaults
  ./server -seed

  # Run with a config file
  ./server -config=./config/premium.yaml

  # Run with in-memory database
  ./server -db=":memory:" -seed

ENVIRONMENT:
  PREMIUM_HTTP_ADDR, PREMIUM_DB_PATH, PREMIUM_DB_SEED override the
  corresponding config values.

SEE ALSO:
  - config/config.go: Configuration loading
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/premium-engine/api"
	"github.com/warp/premium-engine/config"
	"github.com/warp/premium-engine/engine"
	"github.com/warp/premium-engine/factory"
	"github.com/warp/premium-engine/metrics"
	"github.com/warp/premium-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	policyPath := flag.String("policy", "", "JSON policy definition file (overrides config policy)")
	seed := flag.Bool("seed", false, "Load sample institutions on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *seed {
		cfg.Database.Seed = true
	}

	premiumPolicy, err := cfg.PremiumPolicy()
	if err != nil {
		log.Fatalf("Invalid premium policy: %v", err)
	}
	penaltyPolicy, err := cfg.PenaltyPolicy()
	if err != nil {
		log.Fatalf("Invalid penalty policy: %v", err)
	}
	if *policyPath != "" {
		data, err := os.ReadFile(*policyPath)
		if err != nil {
			log.Fatalf("Failed to read policy file: %v", err)
		}
		def, err := factory.NewPolicyFactory().ParsePolicy(string(data))
		if err != nil {
			log.Fatalf("Invalid policy file %s: %v", *policyPath, err)
		}
		premiumPolicy = def.Premium
		penaltyPolicy = def.Penalty
		log.Printf("Loaded policy %q from %s", def.Premium.ID, *policyPath)
	}
	postingInterval, err := time.ParseDuration(cfg.Posting.InitialInterval)
	if err != nil {
		log.Fatalf("Invalid posting interval: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if cfg.Database.Seed {
		if err := store.Seed(context.Background()); err != nil {
			log.Fatalf("Failed to seed database: %v", err)
		}
	}

	// Build engine services
	locks := engine.NewKeyLock()
	calculator := engine.NewCalculator(store, locks)
	invoices := engine.NewInvoiceService(store, locks)
	posting := engine.NewPostingService(store, engine.LogPoster{})
	posting.MaxAttempts = uint(cfg.Posting.MaxAttempts)
	posting.InitialInterval = postingInterval
	penalties := engine.NewPenaltyService(store, locks, penaltyPolicy)
	reconciliation := engine.NewReconciliationService(store, invoices, locks)

	m := metrics.New(prometheus.DefaultRegisterer)
	invoices.Subscribe(func(e engine.InvoiceEvent) {
		m.InvoiceTransitions.WithLabelValues(string(e.To)).Inc()
	})

	handler := &api.Handler{
		Store:          store,
		Calculator:     calculator,
		Invoices:       invoices,
		Posting:        posting,
		Penalties:      penalties,
		Reconciliation: reconciliation,
		Policy:         premiumPolicy,
		Metrics:        m,
	}

	// Background jobs
	scheduler, err := api.NewScheduler(handler, api.Schedules{
		OverdueSweep: cfg.Scheduler.OverdueSweep,
		PenaltySweep: cfg.Scheduler.PenaltySweep,
		PostingRetry: cfg.Scheduler.PostingRetry,
	})
	if err != nil {
		log.Fatalf("Failed to build scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Premium engine listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
