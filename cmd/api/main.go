package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"routstr-proxy/config"
	"routstr-proxy/internal/api"
	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/cost"
	"routstr-proxy/internal/database"
	"routstr-proxy/internal/exchange"
	"routstr-proxy/internal/payment"
	"routstr-proxy/internal/pricing"
	"routstr-proxy/internal/proxy"
	qmsg "routstr-proxy/internal/queue"
	"routstr-proxy/internal/refund"
	"routstr-proxy/internal/wallet"
	"routstr-proxy/pkg/cache"
	"routstr-proxy/pkg/logger"
	"routstr-proxy/pkg/queue"

	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync() // Flush logs before exit

	var cfg config.ProxyConfig
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := config.Load(config.Path(path), &cfg); err != nil {
			logger.Fatal("Failed to load config file", zap.String("path", path), zap.Error(err))
		}
	} else if err := config.LoadEnv(&cfg); err != nil {
		logger.Fatal("Failed to load config from environment", zap.Error(err))
	}
	if cfg.Upstream.BaseURL == "" {
		logger.Fatal("UPSTREAM_BASE_URL is required")
	}
	if cfg.Database.URL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	if cfg.PrimaryMint() == "" {
		logger.Fatal("CASHU_MINTS is required")
	}

	db, err := database.NewDB(database.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis is optional: it carries the exchange-rate cache and payment audit
	// events, neither of which is load-bearing for request handling.
	if cfg.Redis.Host != "" {
		if err := cache.Init(cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}); err != nil {
			logger.Warn("Redis unavailable, continuing without cache and audit events", zap.Error(err))
		} else {
			defer cache.Close()
		}
	}

	keys := database.NewKeyRepository(db)
	models := database.NewModelRepository(db)
	settings := database.NewSettingsRepository(db)

	sourcePrefix := applySettingsOverrides(&cfg, settings)

	backend, err := wallet.NewGonutsBackend(cfg.Cashu.WalletPath, cfg.PrimaryMint())
	if err != nil {
		logger.Fatal("Failed to open cashu wallet", zap.Error(err))
	}
	treasury, err := wallet.NewManager(backend, cfg.MintURLs(), nil)
	if err != nil {
		logger.Fatal("Failed to create wallet manager", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	oracle := exchange.NewOracle(exchange.DefaultProviders(), cfg.Pricing.ExchangeFee, cfg.Pricing.UpstreamProviderFee)
	catalog := pricing.NewCatalog(pricing.Config{
		UpstreamBaseURL:        cfg.Upstream.BaseURL,
		UpstreamAPIKey:         cfg.Upstream.APIKey,
		ModelsPath:             cfg.Pricing.ModelsPath,
		SourcePrefix:           sourcePrefix,
		Fixed:                  cfg.Pricing.Fixed,
		FixedCostPerRequest:    cfg.Pricing.FixedCostPerRequest,
		FixedPer1KInputTokens:  cfg.Pricing.FixedPer1KInputTokens,
		FixedPer1KOutputTokens: cfg.Pricing.FixedPer1KOutputTokens,
		RefreshInterval:        time.Duration(cfg.Pricing.RefreshIntervalSecs) * time.Second,
	}, models, oracle, nil)
	if err := catalog.Bootstrap(ctx); err != nil {
		// Requests still admit at the fixed-cost floor; pricing catches up on
		// the refresh loop.
		logger.Warn("Model catalog bootstrap failed", zap.Error(err))
	}
	go catalog.RunRefreshLoop(ctx)

	var events payment.Publisher
	if cache.Client != nil {
		q := queue.NewStreamQueue(cache.Client)
		if err := q.DeclareStream(ctx, qmsg.PaymentEventsStream, qmsg.PaymentEventsGroup); err != nil {
			logger.Warn("Failed to declare payment event stream", zap.Error(err))
		} else {
			events = q
			auditor := qmsg.NewAuditor()
			consumerName := fmt.Sprintf("auditor-%d", time.Now().Unix())
			go func() {
				if err := q.Consume(ctx, qmsg.PaymentEventsStream, qmsg.PaymentEventsGroup, consumerName, auditor.Handle); err != nil {
					logger.Error("Payment audit consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	payments := payment.NewService(keys, events)
	resolver := auth.NewResolver(keys, treasury)
	calculator := cost.NewCalculator(catalog)

	engine, err := proxy.NewEngine(proxy.Config{
		UpstreamBaseURL: cfg.Upstream.BaseURL,
		UpstreamAPIKey:  cfg.Upstream.APIKey,
		TorProxyURL:     cfg.Upstream.TorProxyURL,
	}, resolver, payments, catalog, calculator, treasury, keys)
	if err != nil {
		logger.Fatal("Failed to create proxy engine", zap.Error(err))
	}

	refunds := refund.NewService(treasury, keys, cfg.HTTP.RefundCacheTTLSeconds)
	go refund.NewPayoutWorker(treasury, keys, cfg.Payout.ReceiveLNAddress).Run(ctx)

	server := api.NewServer(engine, resolver, catalog, refunds, cfg.MintURLs(), cfg.HTTP.CORSOrigins)
	server.EnableAdmin(settings, cfg.HTTP.AdminPassword)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Server starting",
		zap.String("port", cfg.HTTP.Port),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("primary_mint", cfg.PrimaryMint()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// applySettingsOverrides layers the persisted admin settings over the
// environment config and returns the model source prefix, which has no
// environment counterpart.
func applySettingsOverrides(cfg *config.ProxyConfig, repo *database.SettingsRepository) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := repo.Get(ctx)
	if err != nil {
		logger.Warn("Failed to load settings overrides", zap.Error(err))
		return ""
	}

	if s.UpstreamBaseURL != nil && *s.UpstreamBaseURL != "" {
		cfg.Upstream.BaseURL = *s.UpstreamBaseURL
	}
	if s.ReceiveLNAddress != nil && *s.ReceiveLNAddress != "" {
		cfg.Payout.ReceiveLNAddress = *s.ReceiveLNAddress
	}
	if s.ExchangeFee != nil && *s.ExchangeFee > 0 {
		cfg.Pricing.ExchangeFee = *s.ExchangeFee
	}
	if s.UpstreamProviderFee != nil && *s.UpstreamProviderFee > 0 {
		cfg.Pricing.UpstreamProviderFee = *s.UpstreamProviderFee
	}
	if s.FixedPricing != nil {
		cfg.Pricing.Fixed = *s.FixedPricing
	}
	if s.FixedCostPerRequest != nil && *s.FixedCostPerRequest > 0 {
		cfg.Pricing.FixedCostPerRequest = *s.FixedCostPerRequest
	}
	if s.ModelSourcePrefix != nil {
		return *s.ModelSourcePrefix
	}
	return ""
}
