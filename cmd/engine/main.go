package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/alerts"
	"github.com/rawblock/fraud-engine/internal/api"
	"github.com/rawblock/fraud-engine/internal/blacklist"
	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/internal/db"
	"github.com/rawblock/fraud-engine/internal/detector"
	"github.com/rawblock/fraud-engine/internal/ethereum"
	"github.com/rawblock/fraud-engine/internal/graph"
	"github.com/rawblock/fraud-engine/internal/observability"
	"github.com/rawblock/fraud-engine/internal/pattern"
	"github.com/rawblock/fraud-engine/internal/rules"
	"github.com/rawblock/fraud-engine/pkg/models"
)

func main() {
	// .env is for local development; production sets real environment.
	_ = godotenv.Load()

	log := buildLogger()
	defer log.Sync()

	log.Info("starting fraud detection engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.New(registry)

	// ─── Persistence (optional) ─────────────────────────────────────────
	var dbStore *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := db.Connect(ctx, dbURL, log)
		if err != nil {
			log.Warn("postgres unavailable, continuing without persistence", zap.Error(err))
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				log.Warn("schema init failed", zap.Error(err))
			}
			dbStore = store
		}
	}

	// ─── Blacklist store: postgres > memory, optionally redis-cached ────
	var blStore blacklist.Store
	if dbStore != nil {
		blStore = dbStore
	} else {
		mem := blacklist.NewMemoryStore()
		seedBlacklist(mem, log)
		blStore = mem
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" && dbStore != nil {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn("invalid REDIS_URL, skipping blacklist cache", zap.Error(err))
		} else {
			rdb := redis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("redis unavailable, skipping blacklist cache", zap.Error(err))
			} else {
				ttl := time.Duration(envInt("BLACKLIST_CACHE_TTL_MIN", 60)) * time.Minute
				blStore = blacklist.NewCachedStore(blStore, rdb, ttl, log)
				log.Info("blacklist cache enabled", zap.Duration("ttl", ttl))
			}
		}
	}

	// ─── Rule configuration ─────────────────────────────────────────────
	cfgStore, err := config.NewStore(os.Getenv("RULES_FILE"), log)
	if err != nil {
		log.Fatal("rule configuration failed", zap.Error(err))
	}

	// ─── Detection state ────────────────────────────────────────────────
	window := time.Duration(envInt("GRAPH_WINDOW_HOURS", 24)) * time.Hour
	txGraph := graph.New(window)

	patternCfg := pattern.DefaultConfig()
	patternCfg.Window = window
	analyzer := pattern.NewAnalyzer(patternCfg, log)

	engine := rules.NewEngine(
		time.Duration(envInt("RULE_TIMEOUT_MS", 2000))*time.Millisecond,
		log,
		rules.HighValueRule{},
		rules.GasPriceRule{},
		rules.WalletAgeRule{},
		rules.TimePatternRule{},
		rules.BlacklistRule{Store: blStore},
		rules.SelfTradeRule{Graph: txGraph, Log: log},
		rules.BackAndForthRule{Graph: txGraph, Log: log},
		rules.CircularTradingRule{Graph: txGraph, Log: log},
		rules.TimingAnomalyRule{Analyzer: analyzer},
		rules.StructuringRule{Analyzer: analyzer},
	)

	// ─── Alerting ───────────────────────────────────────────────────────
	wsHub := api.NewHub(metrics, log)
	go wsHub.Run()

	alertOpts := []alerts.Option{
		alerts.WithBroadcast(api.BroadcastAlert(wsHub, log)),
		alerts.WithMinSeverity(models.RiskLevel(envOrDefault("ALERT_MIN_SEVERITY", "MEDIUM"))),
	}
	if dbStore != nil {
		alertOpts = append(alertOpts, alerts.WithSink(dbStore))
	}
	alertManager := alerts.NewManager(metrics, log, alertOpts...)
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		alertManager.RegisterWebhook("default",
			url,
			models.RiskLevel(envOrDefault("ALERT_WEBHOOK_MIN_SEVERITY", "HIGH")),
			nil)
	}

	// ─── Pipeline facade ────────────────────────────────────────────────
	detOpts := []detector.Option{
		detector.WithPipelineDeadline(time.Duration(envInt("PIPELINE_DEADLINE_MS", 5000)) * time.Millisecond),
		detector.WithSink(alertManager.EmitFromAssessment),
	}
	if dbStore != nil {
		detOpts = append(detOpts, detector.WithSink(func(tx models.Transaction, a models.RiskAssessment) {
			// Sinks run on the analysis path and must not block on I/O.
			go func() {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := dbStore.SaveAssessment(saveCtx, tx, a); err != nil {
					log.Error("assessment persistence failed", zap.String("tx", tx.Hash), zap.Error(err))
				}
			}()
		}))
	}
	det := detector.New(txGraph, analyzer, engine, cfgStore, metrics, log, detOpts...)

	// ─── Chain ingestion (optional) ─────────────────────────────────────
	if rpcURL := os.Getenv("ETH_RPC_URL"); rpcURL != "" {
		monCfg := ethereum.DefaultMonitorConfig()
		monCfg.PollInterval = time.Duration(envInt("ETH_POLL_INTERVAL_SEC", 6)) * time.Second
		monCfg.ETHPriceUSD = envFloat("ETH_PRICE_USD", monCfg.ETHPriceUSD)
		monitor := ethereum.NewMonitor(ethereum.NewClient(rpcURL), det, monCfg, log)
		go monitor.Run(ctx)
	} else {
		log.Info("ETH_RPC_URL not set, running in API-only mode")
	}

	// ─── HTTP server ────────────────────────────────────────────────────
	router := api.SetupRouter(det, alertManager, cfgStore, blStore, dbStore, wsHub, registry, log)

	srv := &http.Server{
		Addr:    ":" + envOrDefault("PORT", "5340"),
		Handler: router,
	}
	go func() {
		log.Info("engine listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
}

// buildLogger returns a production logger, or a development logger when
// LOG_MODE=dev.
func buildLogger() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if os.Getenv("LOG_MODE") == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

// seedBlacklist loads entries from BLACKLIST_FILE into the in-memory store.
// Used only when Postgres is not configured.
func seedBlacklist(mem *blacklist.MemoryStore, log *zap.Logger) {
	path := os.Getenv("BLACKLIST_FILE")
	if path == "" {
		return
	}
	entries, err := blacklist.LoadEntries(path)
	if err != nil {
		log.Warn("blacklist seed failed", zap.String("path", path), zap.Error(err))
		return
	}
	for _, e := range entries {
		mem.Add(e)
	}
	log.Info("blacklist seeded", zap.Int("entries", len(entries)), zap.String("path", path))
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}
