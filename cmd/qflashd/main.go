package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"qflash/account"
	"qflash/chain"
	"qflash/config"
	"qflash/engine"
	"qflash/house"
	"qflash/observability"
	"qflash/observability/logging"
	telemetry "qflash/observability/otel"
	"qflash/pricefeed"
	"qflash/pricefeed/adapters"
	"qflash/server"
	"qflash/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to qflashd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("QFLASH_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("qflashd: load config: %v", err)
	}

	logger := logging.Setup("qflashd", env, logging.Options{
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	if otlpEndpoint != "" {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "qflashd",
			Environment: env,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("qflashd: init telemetry: %v", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("qflashd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("qflashd: open storage: %v", err)
	}
	defer store.Close()

	registry := adapters.NewRegistry()
	sources := make([]pricefeed.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Symbols)
		if err != nil {
			log.Fatalf("qflashd: build source %s: %v", src.Name, err)
		}
		sources = append(sources, built)
	}
	feed, err := pricefeed.New(pricefeed.Config{
		MinSources:   cfg.Oracle.MinSources,
		CacheTTL:     cfg.Oracle.CacheTTL.Duration,
		FetchTimeout: cfg.Oracle.FetchTimeout.Duration,
		HistoryDepth: cfg.Oracle.HistoryDepth,
		Key:          []byte(cfg.AttestationKey),
	}, sources, pricefeed.WithLogger(logger))
	if err != nil {
		log.Fatalf("qflashd: price feed: %v", err)
	}

	bank, err := house.NewBank(store, cfg.House, house.WithLogger(logger))
	if err != nil {
		log.Fatalf("qflashd: house bank: %v", err)
	}

	accountOpts := []account.Option{account.WithLogger(logger), account.WithHouse(bank)}
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithHouse(bank),
		engine.WithMetrics(observability.Engine()),
	}
	if endpoint := strings.TrimSpace(cfg.Chain.RPCEndpoint); endpoint != "" {
		chainClient, err := chain.NewClient(endpoint, cfg.Chain.RequestsPerSec, chain.WithLogger(logger))
		if err != nil {
			log.Fatalf("qflashd: chain client: %v", err)
		}
		accountOpts = append(accountOpts, account.WithChain(chainClient))
		engineOpts = append(engineOpts, engine.WithChain(chainClient))
	}

	accounts, err := account.NewManager(store, cfg.Betting, accountOpts...)
	if err != nil {
		log.Fatalf("qflashd: account manager: %v", err)
	}

	eng, err := engine.New(store, feed, cfg, engineOpts...)
	if err != nil {
		log.Fatalf("qflashd: engine: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Store:         store,
		Accounts:      accounts,
		Feed:          feed,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("qflashd: server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("qflashd shut down cleanly")
}
