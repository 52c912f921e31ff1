// Command orderworker boots the order-lifecycle service: the HTTP surface
// plus the background confirmation poller and periodic sweep, wired in one
// sequence (load
// config, connect database, construct components, start background
// goroutines, serve HTTP, wait for a shutdown signal, drain gracefully).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/depinlabs/storage-aggregator/internal/checkout"
	"github.com/depinlabs/storage-aggregator/internal/config"
	"github.com/depinlabs/storage-aggregator/internal/httpapi"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/orchestrator"
	"github.com/depinlabs/storage-aggregator/internal/plansync"
	"github.com/depinlabs/storage-aggregator/internal/poller"
	"github.com/depinlabs/storage-aggregator/internal/processor"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/provider/filecoin"
	"github.com/depinlabs/storage-aggregator/internal/provider/greenfield"
	"github.com/depinlabs/storage-aggregator/internal/provider/lighthouse"
	"github.com/depinlabs/storage-aggregator/internal/store/postgres"
	"github.com/depinlabs/storage-aggregator/internal/sweep"
	"github.com/depinlabs/storage-aggregator/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[orderworker] ")

	envFile := flag.String("env-file", ".env", "optional .env file to load before reading the environment")
	showHelp := flag.Bool("help", false, "show this help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("no .env file loaded (%v); continuing with process environment", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("connecting to database")
	storeClient, err := postgres.NewClient(cfg, postgres.WithLogger(
		log.New(log.Writer(), "[store] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer storeClient.Close()
	log.Printf("database ready")

	m := metrics.New()

	registry := provider.NewRegistry()
	registry.Register(filecoin.New(filecoin.Config{
		RPCURL:          cfg.FilecoinRPCURL,
		ChainID:         cfg.FilecoinChainID,
		PrivateKeyHex:   cfg.HotWalletPrivateKey,
		DealMarketAddr:  cfg.FilecoinContractAddr,
		ExplorerBaseURL: cfg.FilecoinExplorerBase,
		AllowMockTx:     cfg.AllowMockTx,
	}))
	registry.Register(greenfield.New(greenfield.Config{
		RPCURL:            cfg.GreenfieldRPCURL,
		ChainID:           cfg.GreenfieldChainID,
		PrivateKeyHex:     cfg.HotWalletPrivateKey,
		BucketManagerAddr: cfg.GreenfieldContractAddr,
		ExplorerBaseURL:   cfg.GreenfieldExplorerBase,
		AllowMockTx:       cfg.AllowMockTx,
	}))
	registry.Register(lighthouse.New(lighthouse.Config{
		APIBaseURL:     cfg.LighthouseAPIBase,
		GatewayBaseURL: cfg.LighthouseGatewayBase,
		APIKey:         cfg.LighthouseAPIKey,
	}))

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for slug, err := range registry.InitializeAll(initCtx) {
		log.Printf("provider %s: degraded at startup: %v", slug, err)
	}
	initCancel()

	// Operator-set system_config rows override the env-var cron schedules.
	overrideCtx, overrideCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if v, err := storeClient.SystemConfig().Get(overrideCtx, "provider_sync_cron"); err == nil && v != "" {
		cfg.ProviderSyncCron = v
	}
	if v, err := storeClient.SystemConfig().Get(overrideCtx, "tx_confirmation_cron"); err == nil && v != "" {
		cfg.TxConfirmationCron = v
	}
	overrideCancel()

	procClient := processor.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorSecretKey)

	checkoutInitiator := checkout.New(storeClient, procClient, cfg.CheckoutSessionTTL, m)

	confirmationPoller := poller.New(storeClient, registry, log.New(log.Writer(), "[poller] ", log.LstdFlags), m)
	orch := orchestrator.New(storeClient, registry, confirmationPoller, log.New(log.Writer(), "[orchestrator] ", log.LstdFlags), m)
	webhookIngestor := webhook.New(storeClient, cfg.ProcessorWebhookSecret, orch, log.New(log.Writer(), "[webhook] ", log.LstdFlags), m)
	sweeper := sweep.New(storeClient, registry, orch, log.New(log.Writer(), "[sweep] ", log.LstdFlags), m)
	planSyncer := plansync.New(storeClient, registry, log.New(log.Writer(), "[plansync] ", log.LstdFlags), m)

	handlers := httpapi.NewHandlers(storeClient, checkoutInitiator, webhookIngestor, registry, "X-Payments-Signature", log.Default())
	router := httpapi.NewRouter(handlers, m, log.Default(), httpapi.RouterConfig{
		RateLimitWindow: time.Duration(cfg.RateLimitWindowMS) * time.Millisecond,
		RateLimitMax:    cfg.RateLimitMaxRequests,
		CORSOrigins:     cfg.CORSOrigins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	confirmationPoller.Start(ctx)

	if err := sweeper.Start(ctx, cfg.TxConfirmationCron); err != nil {
		log.Fatalf("start sweep scheduler (%q): %v", cfg.TxConfirmationCron, err)
	}
	if err := planSyncer.Start(ctx, cfg.ProviderSyncCron); err != nil {
		log.Fatalf("start plan sync scheduler (%q): %v", cfg.ProviderSyncCron, err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutdown signal received, draining")

	cancel()
	planSyncer.Stop()
	sweeper.Stop()
	confirmationPoller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Printf("stopped")
}

func printHelp() {
	log.Printf(`orderworker - decentralized storage aggregator order-lifecycle service

Usage: orderworker [flags]

Flags:
  -env-file string   optional .env file loaded before reading the environment (default ".env")
  -help               show this message

Required environment variables: DATABASE_URL, PROCESSOR_SECRET_KEY,
PROCESSOR_WEBHOOK_SECRET, SESSION_SECRET (>=32 chars). See internal/config
for the full list of recognized variables and their defaults.`)
}
