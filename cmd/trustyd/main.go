package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/api"
	"Trusty-Agents/internal/auth"
	"Trusty-Agents/internal/config"
	"Trusty-Agents/internal/constraints"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/llm/openai"
	"Trusty-Agents/internal/observability/alerting"
	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/internal/store"
	"Trusty-Agents/internal/transaction"
	"Trusty-Agents/internal/wallet"
	"Trusty-Agents/pkg/logger"
)

// main 是 Trusty 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("trustyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     "trustyd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("trustyd")

	db, err := store.Open(ctx, store.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	templates, err := agent.LoadCatalogFile(cfg.Templates.Path)
	if err != nil {
		return err
	}
	if err := store.SeedTemplates(ctx, db, templates); err != nil {
		return err
	}
	lg.Info("模板目录已加载", slog.Int("count", len(templates)))

	bus, err := createEventBus(cfg)
	if err != nil {
		return err
	}
	var publisher events.Publisher
	if bus != nil {
		publisher = bus
		defer func() {
			if err := bus.Close(); err != nil {
				lg.Warn("关闭事件总线失败", slog.String("error", err.Error()))
			}
		}()

		consumerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		sink := events.NewAuditSink(logger.Audit())
		go func() {
			if err := bus.Consume(consumerCtx, cfg.Events.Workers, sink.Handle); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("事件消费者异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	resolver, closeCache, err := createResolver(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	authSvc, err := auth.NewService(auth.Config{
		Mode:       auth.Mode(cfg.Auth.Mode),
		HeaderName: cfg.Auth.HeaderName,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTLSeconds,
			RefreshTTL: cfg.Auth.JWT.RefreshTTLSeconds,
		},
	}, db)
	if err != nil {
		return err
	}

	wallets := wallet.NewMockGateway()
	agents := agent.NewService(db,
		agent.WithResolver(resolver),
		agent.WithWalletProvider(wallets),
		agent.WithPublisher(publisher),
	)
	orchestrator := transaction.NewOrchestrator(db,
		transaction.WithWallet(wallets),
		transaction.WithPublisher(publisher),
	)

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				lg.Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Auth:         authSvc,
		Agents:       agents,
		Transactions: orchestrator,
		Resolver:     resolver,
		Wallets:      wallets,
	},
		api.WithPublisher(publisher),
		api.WithAlerts(createAlerts(cfg)),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
			cfg.ShutdownTimeout(),
		),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("trustyd 已退出")
	return nil
}

func createEventBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return events.NewMemoryBus(cfg.Events.Buffer), nil
	case "redis":
		return events.NewRedisBus(events.RedisBusConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Redis.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

// createResolver 在未配置 API Key 时返回只产出默认约束的 Resolver。
func createResolver(ctx context.Context, cfg *config.Config) (*constraints.Resolver, func(), error) {
	noop := func() {}
	lg := logger.Named("trustyd")

	var translator constraints.Translator
	if strings.TrimSpace(cfg.Translator.APIKey) != "" {
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.Translator.APIKey,
			BaseURL: cfg.Translator.BaseURL,
			Model:   cfg.Translator.Model,
			Timeout: cfg.TranslatorTimeout(),
		})
		if err != nil {
			return nil, noop, err
		}
		translator = constraints.NewLLMTranslator(client)
	} else {
		lg.Warn("未配置 OpenAI API Key，约束翻译将始终使用默认值")
	}

	opts := []constraints.Option{constraints.WithTimeout(cfg.TranslatorTimeout())}
	if cfg.Translator.Cache.Driver == "redis" {
		cache, err := constraints.NewRedisCache(ctx, constraints.RedisCacheConfig{
			Address:  cfg.Translator.Cache.Address,
			Password: cfg.Translator.Cache.Password,
			DB:       cfg.Translator.Cache.DB,
		})
		if err != nil {
			return nil, noop, err
		}
		opts = append(opts, constraints.WithCache(cache, time.Duration(cfg.Translator.Cache.TTLSeconds)*time.Second))
		return constraints.NewResolver(translator, opts...), func() { _ = cache.Close() }, nil
	}
	return constraints.NewResolver(translator, opts...), noop, nil
}

func createAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    hook.URL,
			Format: alerting.Channel(hook.Format),
		})
	}
	return alerting.NewFanout(notifiers...)
}
