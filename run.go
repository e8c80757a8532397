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

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"namecard/pkg/bot"
	"namecard/pkg/config"
	"namecard/pkg/llm"
	"namecard/pkg/logging"
	"namecard/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and start answering (default)",
	RunE:  runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel(), cfg.Log.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return errors.New("missing required environment variable: DISCORD_TOKEN")
	}
	apiKeys := os.Getenv("LLM_API_KEYS")
	if apiKeys == "" {
		return errors.New("missing required environment variable: LLM_API_KEYS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("identity storage ready", zap.String("location", store.Location()))

	svc, err := newPersona(cfg, store, logger, recorder)
	if err != nil {
		return err
	}
	svc.Restore(ctx, store)

	if cfg.Metrics.Address != "" {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler(registry)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("address", cfg.Metrics.Address))
	}

	models := append([]string{cfg.ModelSettings.Model}, cfg.ModelSettings.FallbackModels...)
	completer := llm.NewClient(apiKeys, llm.Settings{
		BaseURL:     cfg.ModelSettings.BaseURL,
		Models:      models,
		Temperature: cfg.ModelSettings.Temperature,
		TopP:        cfg.ModelSettings.TopP,
		MaxTokens:   cfg.ModelSettings.MaxTokens,
	}, logger)

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("error creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	platform := bot.NewPlatformLookup(bot.DiscordSession{Session: dg}, bot.PlatformOptions{
		PronounRoles: cfg.Platform.PronounRoles,
		Timeout:      cfg.LookupTimeout(),
		CacheSize:    cfg.Platform.LookupCacheSize,
		CacheTTL:     cfg.LookupCacheTTL(),
		Metrics:      recorder,
		Logger:       logger,
	})

	handler := bot.NewHandler(svc, completer, platform, bot.Options{
		AnnotateSystemPrompt: cfg.Annotation.SystemPrompt,
		StorageLocation:      store.Location(),
		Logger:               logger,
	})

	dg.AddHandler(handler.MessageCreate)
	dg.AddHandler(handler.InteractionCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}
	defer dg.Close()

	handler.SetBotUser(dg.State.User.ID, dg.State.User.Username)

	// DISCORD_GUILD_ID registers commands on one guild for instant updates.
	guildID := os.Getenv("DISCORD_GUILD_ID")
	registered, err := bot.RegisterSlashCommands(dg, guildID, logger)
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	defer func() {
		if err := bot.UnregisterSlashCommands(dg, guildID, registered); err != nil {
			logger.Warn("failed to unregister slash commands", zap.Error(err))
		}
	}()

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		handler.RunMaintenance(ctx, cfg.FlushInterval())
	}()

	logger.Info("bot is running, press CTRL-C to exit", zap.String("user", dg.State.User.Username))
	<-ctx.Done()

	logger.Info("shutting down")
	handler.WaitForReady()
	<-maintenanceDone

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
	return nil
}
