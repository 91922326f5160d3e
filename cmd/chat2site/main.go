package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/chat2site/internal/bot"
	"github.com/p-blackswan/chat2site/internal/chat"
	"github.com/p-blackswan/chat2site/internal/config"
	"github.com/p-blackswan/chat2site/internal/deploy"
	"github.com/p-blackswan/chat2site/internal/flow"
	ghclient "github.com/p-blackswan/chat2site/internal/github"
	"github.com/p-blackswan/chat2site/internal/health"
	"github.com/p-blackswan/chat2site/internal/llm"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/notify"
	"github.com/p-blackswan/chat2site/internal/parser"
	"github.com/p-blackswan/chat2site/internal/payments"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/retry"
	"github.com/p-blackswan/chat2site/internal/server"
	"github.com/p-blackswan/chat2site/internal/speech"
	"github.com/p-blackswan/chat2site/internal/store"
	"github.com/p-blackswan/chat2site/internal/telegram"
	"github.com/p-blackswan/chat2site/internal/usage"
	"github.com/p-blackswan/chat2site/internal/vercel"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	switch {
	case cfg.AnthropicAPIKey == "":
		logger.Fatal().Msg("ANTHROPIC_API_KEY is required")
	case !cfg.GitHubEnabled():
		logger.Fatal().Msg("GitHub credentials are required")
	case cfg.VercelToken == "":
		logger.Fatal().Msg("VERCEL_TOKEN is required")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Bool("telegram_enabled", cfg.TelegramEnabled()).
		Bool("voice_enabled", cfg.VoiceEnabled()).
		Bool("stripe_enabled", cfg.StripeEnabled()).
		Bool("dodo_enabled", cfg.DodoEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting chat2site")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer kv.Close()

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", health.ErrorCheck(kv.Ping))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.SlackEnabled() {
		notifier = notify.NewSlack(slack.New(cfg.SlackBotToken), cfg.SlackAlertChannel, logger)
		logger.Info().Str("channel", cfg.SlackAlertChannel).Msg("slack alerts enabled")
	}

	// GitHub: App credentials win over a personal token
	ghOpts := ghclient.Options{
		Token:   cfg.GitHubToken,
		Owner:   cfg.GitHubOwner,
		BaseURL: cfg.GitHubAPIURL,
	}
	if cfg.GitHubAppEnabled() {
		auth, err := ghclient.NewAppAuth(cfg.GitHubAppID, cfg.GitHubInstallationID, cfg.GitHubPrivateKeyPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init GitHub App auth")
		}
		ghOpts.App = auth
	}
	gh, err := ghclient.New(ghOpts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init GitHub client")
	}
	checker.Register("github", health.ErrorCheck(gh.Ping))

	host := vercel.New(cfg.VercelToken, cfg.VercelTeamID, cfg.VercelAPIURL, logger)

	deployCfg := deploy.DefaultConfig()
	deployCfg.Domain = cfg.VercelDomain
	deployCfg.RepoPoll = retry.PollConfig{Interval: cfg.RepoPollInterval, MaxAttempts: cfg.RepoPollAttempts}
	deployCfg.DeployPoll = retry.PollConfig{Interval: cfg.DeployPollInterval, Timeout: cfg.DeployTimeout}
	deployCfg.FileWriteDelay = cfg.FileWriteDelay
	orchestrator := deploy.New(gh, host, deployCfg, m, logger)

	admins, _ := cfg.AdminIDList()
	ledger := usage.NewLedger(kv, usage.Limits{
		FreeSites:   cfg.FreeSites,
		FreeUpdates: cfg.FreeUpdates,
		Admins:      admins,
	}, logger)

	provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey,
		llm.WithModel(cfg.AnthropicModel),
		llm.WithBaseURL(cfg.AnthropicBaseURL),
		llm.WithLogger(logger),
	)
	prompts := flow.NewCatalog(nil)
	if err := prompts.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid prompt catalog")
	}

	engine := chat.New(
		project.NewStore(kv, logger),
		ledger,
		provider,
		prompts,
		parser.New(logger),
		orchestrator,
		gh,
		chat.Config{
			HistoryLimit:     cfg.HistoryLimit,
			SiteCreditCost:   cfg.SiteCreditCost,
			UpdateCreditCost: cfg.UpdateCreditCost,
		},
		logger,
	)
	engine.SetMetrics(m)
	engine.SetNotifier(notifier)

	var gateways []payments.Gateway
	if cfg.StripeEnabled() {
		gateways = append(gateways, payments.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil, logger))
	}
	if cfg.DodoEnabled() {
		gateways = append(gateways, payments.NewDodo(cfg.DodoAPIKey, cfg.DodoWebhookSecret, cfg.DodoAPIURL, logger))
	}
	pay := payments.NewService(kv, ledger, cfg.AppURL, notifier, m, logger, gateways...)

	deps := server.Deps{
		Web:      engine,
		LLM:      provider,
		Prompts:  prompts,
		Sites:    orchestrator,
		Payments: pay,
		Checker:  checker,
		Metrics:  m,
	}

	if cfg.TelegramEnabled() {
		tg := telegram.New(cfg.TelegramBotToken, cfg.TelegramAPIURL, cfg.TelegramSendRPS, logger)

		var transcriber speech.Transcriber
		if cfg.VoiceEnabled() {
			transcriber = speech.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, logger)
		}

		handler := bot.New(tg, engine, ledger, transcriber, bot.Config{
			ExtraSiteStars:    int64(cfg.ExtraSiteStars),
			ExtraUpdatesStars: int64(cfg.ExtraUpdatesStars),
			ExtraUpdatesCount: cfg.ExtraUpdatesCount,
		}, logger)
		handler.SetMetrics(m)
		handler.SetNotifier(notifier)

		deps.Updates = handler
		deps.Webhooks = tg
	} else {
		logger.Info().Msg("Telegram not configured, skipping bot")
	}

	srv := server.New(server.Config{
		ListenAddr:       ":" + strconv.Itoa(cfg.HTTPPort),
		APIKey:           cfg.APIKey,
		CORSOrigins:      strings.Join(cfg.CORSOriginList(), ","),
		RateLimit:        server.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		WebhookBodyLimit: cfg.WebhookBodyLimit,
		AppURL:           cfg.AppURL,
		WebhookSecret:    cfg.TelegramWebhookSecret,
		StreamTimeout:    cfg.DeployTimeout,
	}, deps, logger)

	// Prime readiness so the first probe has cached results
	checker.RunAll(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("chat2site stopped")
}
