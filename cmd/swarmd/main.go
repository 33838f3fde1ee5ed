// swarmd is the single-binary deployment: it hosts the registry and every
// agent on the in-process runtime, runs the order pipeline and control
// loops, and serves the HTTP surface. Satellite processes can reach the
// registry over NATS when the bus is enabled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/alerting"
	"github.com/tradehive/tradehive/internal/analyst"
	"github.com/tradehive/tradehive/internal/approval"
	"github.com/tradehive/tradehive/internal/blob"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/broker/alpaca"
	"github.com/tradehive/tradehive/internal/broker/binance"
	"github.com/tradehive/tradehive/internal/bus"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/config"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/feeds"
	"github.com/tradehive/tradehive/internal/kv"
	"github.com/tradehive/tradehive/internal/learning"
	"github.com/tradehive/tradehive/internal/llm"
	"github.com/tradehive/tradehive/internal/loops"
	"github.com/tradehive/tradehive/internal/riskmgr"
	"github.com/tradehive/tradehive/internal/scout"
	"github.com/tradehive/tradehive/internal/server"
	"github.com/tradehive/tradehive/internal/swarm"
	"github.com/tradehive/tradehive/internal/trader"
)

const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load("swarmd")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("swarmd")
	log.Info().
		Str("environment", cfg.App.Environment).
		Str("broker", cfg.Brokers.Default).
		Msg("Starting swarm")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// Secrets from Vault and the environment land on top of the file
	// config before anything connects.
	if err := config.LoadSecrets(startCtx, cfg); err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	// Postgres.
	database, err := db.New(startCtx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()
	pool := database.Pool()

	subRepo := db.NewSubmissionRepo(pool)
	tradeRepo := db.NewTradeRepo(pool)
	approvalRepo := db.NewApprovalRepo(pool)
	riskRepo := db.NewRiskStateRepo(pool)
	policyRepo := db.NewPolicyConfigRepo(pool)
	rawEventRepo := db.NewRawEventRepo(pool)
	stateRepo := db.NewAgentStateRepo(pool)
	alertEventRepo := db.NewAlertEventRepo(pool)
	alertRuleRepo := db.NewAlertRuleRepo(pool)

	clk := clock.System{}

	// Redis-backed KV for alert dedupe and rate limiting; an unreachable
	// Redis degrades to process-local memory rather than blocking startup.
	store := openKV(startCtx, cfg.Redis, clk, log)

	// Blob store for strategy archives and hourly snapshots.
	blobs, err := openBlobs(startCtx, cfg.Blob, log)
	if err != nil {
		return err
	}

	// Broker venues, each hardened with retries and a circuit breaker.
	venues, err := buildVenues(cfg, clk, log)
	if err != nil {
		return err
	}
	defaultProv, err := venues.Get("")
	if err != nil {
		return fmt.Errorf("resolve default venue: %w", err)
	}

	// Core services.
	act := activity.NewWriter(pool, clk, log)
	gate := execution.NewGate(execution.NewStoreLoader(policyRepo, riskRepo), clk, log)
	pipeline := execution.NewPipeline(subRepo, tradeRepo, gate, venues, clk, act, log)
	approvals := approval.NewService(approvalRepo, cfg.Approval.Secret, clk, log)
	llmClient := llm.New(llm.Config{
		BaseURL:           cfg.LLM.Endpoint,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		RequestsPerMinute: float64(cfg.LLM.RequestsPerMinute),
	}, clk, log)

	// Actor runtime hosting the registry first, then the worker agents.
	rt := agent.NewRuntime(agent.Config{
		AlarmInterval:   cfg.Swarm.AlarmInterval,
		DrainLimit:      cfg.Swarm.DrainLimit,
		DeliveryTimeout: cfg.Swarm.DeliveryTimeout,
	}, clk, log)

	reg := swarm.NewRegistry(swarm.RegistryConfig{
		DefaultMaxAttempts: cfg.Swarm.DefaultAttempts,
		StaleAfter:         cfg.Swarm.StaleAfter,
		DispatchLimit:      cfg.Swarm.DispatchLimit,
	}, clk, agent.NewRepoStateStore(stateRepo, swarm.RegistryID()), config.NewAgentLogger("registry", "default"))
	reg.SetDeliverer(rt)

	regHost, err := rt.Host(ctx, reg)
	if err != nil {
		return fmt.Errorf("host registry: %w", err)
	}
	coord := agent.NewLocalCoordinator(regHost, reg)
	rt.SetCoordinator(coord)

	// Feeds for the scout.
	poller := buildPoller(cfg.Feeds, log)

	agentStore := func(t swarm.AgentType) swarm.StateStore {
		return agent.NewRepoStateStore(stateRepo, swarm.NewAgentID(t))
	}

	scoutAgent := scout.New(scout.Config{}, poller, rawEventRepo,
		agentStore(swarm.TypeScout), coord, clk, act, config.NewAgentLogger("scout", "default"))
	analystAgent := analyst.New(analyst.Config{CycleInterval: cfg.Swarm.AnalysisInterval},
		llmClient, rt, defaultProv.MarketData,
		agentStore(swarm.TypeAnalyst), coord, clk, act, config.NewAgentLogger("analyst", "default"))
	riskAgent := riskmgr.New(gate, venues,
		agentStore(swarm.TypeRiskManager), clk, config.NewAgentLogger("risk_manager", "default"))
	traderAgent := trader.New(trader.Config{
		PositionPct: cfg.Trading.PositionPct,
		MaxNotional: cfg.Trading.MaxPositionNotional,
		AssetClass:  assetClassFor(cfg.Brokers.Default),
	}, pipeline, rt, venues,
		agentStore(swarm.TypeTrader), coord, clk, act, config.NewAgentLogger("trader", "default"))
	learningAgent := learning.New(
		agentStore(swarm.TypeLearning), coord, blobs, clk, act, config.NewAgentLogger("learning", "default"))

	for _, a := range []agent.Agent{scoutAgent, analystAgent, riskAgent, traderAgent, learningAgent} {
		if _, err := rt.Host(ctx, a); err != nil {
			return fmt.Errorf("host %s: %w", a.ID(), err)
		}
	}
	if err := rt.WaitReady(startCtx); err != nil {
		return fmt.Errorf("agent startup: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		rt.StopAll(sctx)
	}()

	// Optional NATS bus so satellite processes can host agents against
	// this registry.
	if cfg.NATS.Embedded || cfg.NATS.URL != "" {
		closeBus, err := startBus(cfg.NATS, regHost, log)
		if err != nil {
			log.Warn().Err(err).Msg("Bus unavailable, running without satellites")
		} else {
			defer closeBus()
		}
	}

	// Alerting.
	thresholds := alertThresholds(cfg.Alerts)
	seedAlertRules(startCtx, alertRuleRepo, thresholds, log)
	notifier := alerting.NewNotifier(
		buildChannels(cfg.Alerts, log),
		store, alertEventRepo, clk,
		alerting.NotifierConfig{
			DedupeWindow:    cfg.Alerts.DedupeWindow,
			RateLimitWindow: cfg.Alerts.RateLimitWindow,
			RateLimitMax:    cfg.Alerts.RateLimitMax,
		}, log)

	// Control loops.
	sched := loops.NewScheduler(log)
	jobs := []struct {
		spec string
		job  loops.Job
	}{
		{loops.SpecIngestion, loops.NewIngestionJob(defaultProv.Broker, riskRepo, rt, log)},
		{loops.SpecMarketOpen, loops.NewSessionJob("open", defaultProv.Broker, riskRepo, approvalRepo, clk, log)},
		{loops.SpecMarketClose, loops.NewSessionJob("close", defaultProv.Broker, riskRepo, approvalRepo, clk, log)},
		{loops.SpecDailyReset, loops.NewDailyResetJob(defaultProv.Broker, riskRepo, clk, log)},
		{loops.SpecHourly, loops.NewHourlyJob(loops.HourlyDeps{
			Environment: cfg.App.Environment,
			Providers:   venues,
			Risk:        riskRepo,
			Submissions: subRepo,
			Trades:      tradeRepo,
			Queue:       coord,
			LLM:         llmClient,
			Notifier:    notifier,
			Thresholds:  thresholds,
			Blobs:       blobs,
			Cooldown:    time.Duration(cfg.Trading.CooldownMinutes) * time.Minute,
			Clock:       clk,
			Logger:      log,
		})},
	}
	for _, j := range jobs {
		if err := sched.Add(j.spec, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.job.Name(), err)
		}
	}
	sched.Start()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		sched.Stop(sctx)
	}()

	// HTTP surface.
	srv := server.New(server.Deps{
		Config:      cfg.Server,
		Environment: cfg.App.Environment,
		Runtime:     rt,
		Coordinator: coord,
		Pipeline:    pipeline,
		Approvals:   approvals,
		Trades:      tradeRepo,
		Submissions: subRepo,
		AlertEvents: alertEventRepo,
		Clock:       clk,
		Logger:      log,
	})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer scancel()
		return srv.Stop(sctx)
	})
	return g.Wait()
}

// openKV connects Redis, falling back to in-memory storage when it is
// unreachable. Degraded dedupe means repeated alerts, never lost ones.
func openKV(ctx context.Context, cfg config.RedisConfig, clk clock.Clock, log zerolog.Logger) kv.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, using in-memory KV")
		return kv.NewMemory(clk)
	}
	return kv.NewRedis(client, cfg.KeyPrefix, log)
}

func openBlobs(ctx context.Context, cfg config.BlobConfig, log zerolog.Logger) (blob.Store, error) {
	if !cfg.Enabled {
		return blob.NewMemory(), nil
	}
	s3Store, err := blob.NewS3(ctx, blob.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Prefix:    cfg.Prefix,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return s3Store, nil
}

// buildVenues registers every configured venue. The paper venue is always
// present so the swarm has somewhere safe to trade.
func buildVenues(cfg *config.Config, clk clock.Clock, log zerolog.Logger) (*broker.Registry, error) {
	venues := broker.NewRegistry()
	bc, rc := broker.DefaultBreakerConfig(), broker.DefaultRetryConfig()

	venues.Register(broker.Harden(broker.NewPaper(broker.DefaultPaperConfig(), clk, log).Provider(), bc, rc, log))

	if cfg.Brokers.Alpaca.APIKey != "" {
		client := alpaca.New(alpaca.Config{
			APIKey:    cfg.Brokers.Alpaca.APIKey,
			APISecret: cfg.Brokers.Alpaca.APISecret,
			BaseURL:   cfg.Brokers.Alpaca.BaseURL,
		}, log)
		venues.Register(broker.Harden(client.Provider(), bc, rc, log))
	}
	if cfg.Brokers.Binance.APIKey != "" {
		client := binance.New(binance.Config{
			APIKey:    cfg.Brokers.Binance.APIKey,
			SecretKey: cfg.Brokers.Binance.APISecret,
			Testnet:   cfg.Brokers.Binance.Testnet,
		}, log)
		venues.Register(broker.Harden(client.Provider(), bc, rc, log))
	}

	if err := venues.SetDefault(cfg.Brokers.Default); err != nil {
		return nil, fmt.Errorf("default venue: %w", err)
	}
	return venues, nil
}

func assetClassFor(venue string) string {
	if venue == "binance" {
		return "crypto"
	}
	return "us_equity"
}

func buildPoller(cfg config.FeedsConfig, log zerolog.Logger) *feeds.Poller {
	sources := make([]feeds.SourceConfig, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, feeds.SourceConfig{
			Name:       s.Name,
			Enabled:    s.Enabled,
			APIURL:     s.APIURL,
			APIKey:     s.APIKey,
			Query:      s.Query,
			ListField:  s.ListField,
			IDField:    s.IDField,
			TextFields: s.TextFields,
			FeedURL:    s.FeedURL,
		})
	}
	client := feeds.NewClient(0)
	return feeds.NewPoller(feeds.BuildAll(sources, client, log), float64(cfg.RequestsPerMinute), log)
}

// startBus exposes the registry host over NATS. Returns a shutdown func.
func startBus(cfg config.NATSConfig, regHost bus.Handler, log zerolog.Logger) (func(), error) {
	url := cfg.URL
	var shutdownServer func()
	if cfg.Embedded {
		ns, err := bus.StartEmbeddedServer("127.0.0.1", 4222, log)
		if err != nil {
			return nil, err
		}
		url = ns.ClientURL()
		shutdownServer = ns.Shutdown
	}

	nc, err := bus.Connect(url, "swarmd", log)
	if err != nil {
		if shutdownServer != nil {
			shutdownServer()
		}
		return nil, err
	}
	transport := bus.NewTransport(nc, bus.Config{}, log)
	if err := transport.Serve(regHost); err != nil {
		transport.Close()
		if shutdownServer != nil {
			shutdownServer()
		}
		return nil, err
	}
	log.Info().Str("url", url).Msg("Registry reachable over bus")
	return func() {
		transport.Close()
		if shutdownServer != nil {
			shutdownServer()
		}
	}, nil
}

func alertThresholds(cfg config.AlertsConfig) alerting.Thresholds {
	t := alerting.Thresholds{
		DrawdownLimitPct:     cfg.DrawdownLimitPct,
		DrawdownWarnRatio:    cfg.DrawdownWarnRatio,
		DLQWarnThreshold:     cfg.DLQWarnThreshold,
		DLQCriticalThreshold: cfg.DLQCriticalThreshold,
		LLMAuthWindow:        cfg.LLMAuthWindow,
	}
	return t.Clamp()
}

func buildChannels(cfg config.AlertsConfig, log zerolog.Logger) []alerting.Channel {
	client := resty.New().SetTimeout(10 * time.Second)
	channels := []alerting.Channel{alerting.NewConsole(log)}
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, alerting.NewDiscord(cfg.DiscordWebhookURL, client))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhook(cfg.WebhookURL, client))
	}
	if cfg.TelegramToken != "" && len(cfg.TelegramChatIDs) > 0 {
		tg, err := alerting.NewTelegram(cfg.TelegramToken, cfg.TelegramChatIDs, log)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram channel disabled")
		} else {
			channels = append(channels, tg)
		}
	}
	return channels
}

// seedAlertRules records the rule catalog so operators can inspect and tune
// thresholds through the database. Failures are logged; the engine runs on
// its in-process thresholds either way.
func seedAlertRules(ctx context.Context, repo *db.AlertRuleRepo, t alerting.Thresholds, log zerolog.Logger) {
	cfgJSON, _ := json.Marshal(t)
	rules := []*db.AlertRule{
		{ID: alerting.RulePortfolioDrawdown, Title: "Portfolio drawdown",
			Description: "Daily loss approaching or past the drawdown limit", Enabled: true,
			DefaultSeverity: string(alerting.SeverityWarning), ConfigJSON: cfgJSON},
		{ID: alerting.RuleKillSwitchActive, Title: "Kill switch active",
			Description: "Order flow halted by the kill switch", Enabled: true,
			DefaultSeverity: string(alerting.SeverityCritical), ConfigJSON: cfgJSON},
		{ID: alerting.RuleSwarmDLQ, Title: "Dead letter queue backlog",
			Description: "Swarm messages exhausting their delivery attempts", Enabled: true,
			DefaultSeverity: string(alerting.SeverityWarning), ConfigJSON: cfgJSON},
		{ID: alerting.RuleLLMAuthFailure, Title: "LLM authentication failure",
			Description: "Research gateway rejecting credentials", Enabled: true,
			DefaultSeverity: string(alerting.SeverityCritical), ConfigJSON: cfgJSON},
	}
	for _, r := range rules {
		if err := repo.Upsert(ctx, r); err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("Alert rule seed failed")
			return
		}
	}
}
