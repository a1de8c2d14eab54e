package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/whalewatch/engine/internal/analyst"
	"github.com/whalewatch/engine/internal/config"
	"github.com/whalewatch/engine/internal/logger"
	"github.com/whalewatch/engine/internal/polymarket"
	"github.com/whalewatch/engine/internal/scheduler"
	"github.com/whalewatch/engine/internal/state"
	"github.com/whalewatch/engine/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// Secrets may live in a local .env; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store := state.NewStore(cfg.Storage.StatePath)
	st, err := store.Load()
	if err != nil {
		var corrupt *state.CorruptStateError
		if errors.As(err, &corrupt) {
			logger.Error("State file unreadable, starting from empty defaults: %v", corrupt)
		} else {
			logger.Fatal("Failed to load state: %v", err)
		}
	}
	logger.Info("Loaded state: %d seen trades, AI usage today %d/%d (day %s)",
		len(st.SeenTrades), st.Quota.CallsUsed, cfg.AI.MaxCallsPerDay, st.Quota.DayKey)

	polyClient := polymarket.NewClient(
		cfg.Polymarket.GammaAPIURL,
		cfg.Polymarket.DataAPIURL,
		cfg.Polymarket.Timeout,
		cfg.Polymarket.MaxRetries,
		cfg.Polymarket.RetryDelayBase,
	)
	source := polymarket.NewSource(polyClient, cfg.Watcher.HoursAhead, cfg.Watcher.Categories)

	var engine scheduler.AnalysisEngine
	if cfg.AI.Enabled {
		aiClient, err := analyst.New(analyst.Config{
			APIKey:        cfg.AI.DeepSeekAPIKey,
			BaseURL:       cfg.AI.DeepSeekBaseURL,
			Model:         cfg.AI.Model,
			TavilyAPIKey:  cfg.AI.TavilyAPIKey,
			TavilyBaseURL: cfg.AI.TavilyBaseURL,
			Timeout:       cfg.Polymarket.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to initialize analysis engine: %v", err)
		}
		engine = aiClient
		logger.Info("Analysis engine initialized (model: %s)", cfg.AI.Model)
	} else {
		logger.Debug("AI analysis disabled")
	}

	var out scheduler.Broadcaster
	if cfg.Telegram.Enabled {
		tgClient, err := telegram.NewClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatIDs,
			cfg.Watcher.BigWhaleThreshold,
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		out = tgClient
		logger.Info("Telegram client initialized (%d destination(s))", len(cfg.Telegram.ChatIDs))
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	loc, err := cfg.AI.Location()
	if err != nil {
		logger.Fatal("Failed to resolve timezone: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		WhaleThreshold:    cfg.Watcher.WhaleThreshold,
		BigWhaleThreshold: cfg.Watcher.BigWhaleThreshold,
		MaxDailyCalls:     cfg.AI.MaxCallsPerDay,
		MinCallGap:        cfg.AI.MinCallGap,
		BurstCount:        cfg.AI.EffectiveBurstCount(),
		HistoryWindow:     cfg.AI.HistoryWindow,
		InsightCooldown:   cfg.AI.InsightCooldown,
		Timezone:          loc,
	}, source, engine, out, store, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, finishing in-flight tick...")
		cancel()
	}()

	logger.Info("Starting whale watcher (interval: %v, whale threshold: $%.0f, categories: %v)",
		cfg.Watcher.PollInterval, cfg.Watcher.WhaleThreshold, cfg.Watcher.Categories)

	runTick := func(now time.Time) {
		// A bounded deadline keeps a stalled external call from blocking
		// the loop past the next tick.
		tickCtx, cancelTick := context.WithTimeout(ctx, cfg.Watcher.PollInterval)
		defer cancelTick()
		if err := sched.Tick(tickCtx, now); err != nil {
			logger.Error("Tick failed: %v", err)
		}
	}

	// Run the initial tick immediately: burst mode exists so a fresh start
	// produces insights without waiting out the first interval.
	runTick(time.Now())

	ticker := time.NewTicker(cfg.Watcher.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return
		case tickTime := <-ticker.C:
			runTick(tickTime)
		}
	}
}
