package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"wuzapi-ai-gateway/config"
	"wuzapi-ai-gateway/internal/adapters/completion"
	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/adapters/provider/evolution"
	"wuzapi-ai-gateway/internal/adapters/provider/wuzapi"
	"wuzapi-ai-gateway/internal/db"
	"wuzapi-ai-gateway/internal/events"
	"wuzapi-ai-gateway/internal/handlers"
	"wuzapi-ai-gateway/internal/media"
	"wuzapi-ai-gateway/internal/metrics"
	"wuzapi-ai-gateway/internal/server"
	"wuzapi-ai-gateway/internal/services"
	"wuzapi-ai-gateway/internal/store"
	"wuzapi-ai-gateway/pkg/logger"
)

const (
	shutdownGrace  = 15 * time.Second
	queueSize      = 64
	queueIdleAfter = 5 * time.Minute
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped with error")
	}
	log.Info().Msg("Gateway stopped")
}

func run(cfg *config.Config) error {
	gdb, err := db.Open(db.Options{DSN: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	sessionStore := store.NewSessionStore(gdb)
	conversationStore := store.NewConversationStore(gdb)
	messageStore := store.NewMessageStore(gdb)
	chatStore := store.NewChatStore(gdb)

	m := metrics.New()

	relay, err := newProvider(cfg, m)
	if err != nil {
		return err
	}
	defer closeQuietly("provider", relay)

	var publisher events.Publisher = events.Noop{}
	var amqpPublisher *events.AMQPPublisher
	if cfg.RabbitMQURL != "" {
		amqpPublisher, err = events.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix)
		if err != nil {
			return err
		}
		defer closeQuietly("event publisher", amqpPublisher)
		publisher = amqpPublisher
	} else {
		log.Info().Msg("RABBITMQ_URL not set, lifecycle events are disabled")
	}

	var archive media.Archive
	if cfg.S3.Enabled {
		s3, err := media.NewS3Archive(cfg.S3)
		if err != nil {
			return err
		}
		checkCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		if err := s3.Check(checkCtx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("Media bucket check failed, uploads may fail")
		}
		cancel()
		archive = s3
	}

	completer, err := completion.NewClient(cfg.CompletionURL, cfg.CompletionAPIKey, completion.DefaultTimeout)
	if err != nil {
		return err
	}

	manager, err := services.NewSessionManager(sessionStore, relay, publisher, m, services.SessionManagerConfig{
		MaxSessionsPerUser:   cfg.MaxSessionsPerUser,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		WebhookURL:           cfg.WebhookURL(),
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown()
	if cfg.WebhookURL() == "" {
		log.Warn().Msg("PUBLIC_BASE_URL not set, webhooks must be registered with the relay manually")
	}

	conversations, err := services.NewConversationService(conversationStore, chatStore)
	if err != nil {
		return err
	}

	processor, err := services.NewMessageProcessor(services.MessageProcessorDeps{
		Manager:       manager,
		Conversations: conversations,
		Chats:         chatStore,
		Messages:      messageStore,
		Completer:     completer,
		Archive:       archive,
		Events:        publisher,
		Metrics:       m,
	}, services.ProcessorConfig{
		Model:            cfg.DefaultModel,
		WebSearch:        cfg.EnableWebSearch,
		Tools:            cfg.EnableTools,
		MaxMessageLength: cfg.MaxMessageLength,
	})
	if err != nil {
		return err
	}

	queue := services.NewSessionQueue(queueSize, queueIdleAfter)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		queue.Close(ctx)
	}()

	monitor, err := services.NewConnectionMonitor(manager, sessionStore, conversationStore, m, services.MonitorConfig{
		Interval:        cfg.MonitorInterval,
		CleanupInterval: cfg.CleanupInterval,
	})
	if err != nil {
		return err
	}

	webhookHandler, err := handlers.NewWebhookHandler(relay, processor, queue)
	if err != nil {
		return err
	}
	var sessionService handlers.SessionService = manager
	if cfg.QRTerminal {
		sessionService = newTerminalQR(manager, os.Stdout)
	}
	sessionHandler, err := handlers.NewSessionHandler(sessionService, processor)
	if err != nil {
		return err
	}

	router := server.NewRouter(server.Options{
		WebhookPath: cfg.WebhookPath,
		AdminToken:  cfg.AdminToken,
		Metrics:     m.Handler(),
	}, server.Handlers{
		Webhook:  webhookHandler,
		Sessions: sessionHandler,
		Admin:    handlers.NewAdminHandler(relay, publisher),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := manager.ResumeReconnecting(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to resume reconnecting sessions")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(":"+cfg.Port, router).Run(gctx, shutdownGrace)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if amqpPublisher != nil {
		g.Go(func() error {
			return amqpPublisher.Run(gctx)
		})
	}

	log.Info().Str("provider", relay.Name()).Str("port", cfg.Port).Msg("Gateway started")
	return g.Wait()
}

// newProvider builds the relay client selected by PROVIDER.
func newProvider(cfg *config.Config, m *metrics.Metrics) (provider.Provider, error) {
	opts := provider.Options{
		WebhookSecret:     cfg.WebhookSecret,
		Timeout:           cfg.RequestTimeout,
		RetryAttempts:     cfg.SendRetryAttempts,
		RetryBaseDelay:    cfg.SendRetryBaseDelay,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Observer:          m,
	}
	switch cfg.Provider {
	case config.ProviderEvolution:
		opts.BaseURL = cfg.EvolutionBaseURL
		opts.APIKey = cfg.EvolutionAPIKey
		c, err := evolution.NewClient(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		opts.BaseURL = cfg.WuzapiBaseURL
		opts.APIKey = cfg.WuzapiAPIKey
		c, err := wuzapi.NewClient(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func closeQuietly(name string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Str("component", name).Msg("Close failed")
	}
}
