package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/annel0/scene-engine/internal/api"
	"github.com/annel0/scene-engine/internal/auth"
	"github.com/annel0/scene-engine/internal/cache"
	"github.com/annel0/scene-engine/internal/config"
	"github.com/annel0/scene-engine/internal/content"
	"github.com/annel0/scene-engine/internal/eventbus"
	"github.com/annel0/scene-engine/internal/logging"
	"github.com/annel0/scene-engine/internal/middleware"
	"github.com/annel0/scene-engine/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var cli struct {
	Config string `help:"YAML configuration file (falls back to CONTENT_CONFIG)." short:"c" type:"path"`
	Debug  bool   `help:"Log DEBUG and above to the console."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("contentd"),
		kong.Description("scene engine content manager daemon"),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.SetLogDir(cfg.Logging.Dir)
	if cfg.Logging.File {
		if err := logging.InitDefaultLogger("contentd"); err != nil {
			log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
		}
		defer logging.CloseDefaultLogger()
		defer logging.GetLoggerManager().CloseAll()
	}

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
}

// componentLogger логгер компонента: с файлом, если он включён в конфигурации
func componentLogger(cfg *config.Config, component string) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cli.Debug {
		level = logging.DEBUG
	}
	if !cfg.Logging.File {
		return logging.NewConsoleLogger(component, os.Stdout, level)
	}
	l := logging.GetComponentLogger(component)
	l.SetLevels(level, logging.TRACE)
	return l
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("🚀 Запуск contentd")

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, componentLogger(cfg, "telemetry"))
	if err != nil {
		return fmt.Errorf("телеметрия: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// === Шина событий ===
	var bus eventbus.EventBus
	if cfg.EventBus.URL != "" {
		bus, err = eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, cfg.EventBus.GetRetention())
		if err != nil {
			return fmt.Errorf("шина событий: %w", err)
		}
		logging.Info("📨 JetStream: %s", cfg.EventBus.URL)
	} else {
		bus = eventbus.NewMemoryBus(1024)
		logging.Info("📨 In-memory шина событий")
	}
	defer bus.Close()

	busLog := componentLogger(cfg, "eventbus")
	if sub, err := eventbus.StartLoggingListener(bus, busLog); err != nil {
		busLog.Warn("LoggingListener не запущен: %v", err)
	} else {
		defer sub.Unsubscribe()
	}
	exporter := eventbus.NewMetricsExporter(bus, reg)
	exporter.Start()
	defer exporter.Stop()

	// === Зеркало заголовков в Redis ===
	if cfg.Cache.GetRedisURL() != "" {
		backend, err := cache.NewRedisBackend(ctx, cfg.Cache)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer backend.Close()
		mirror := cache.NewHeaderMirror(backend, cfg.Cache.GetPrefix(), componentLogger(cfg, "cache"))
		sub, err := mirror.Start(bus)
		if err != nil {
			return fmt.Errorf("зеркало заголовков: %w", err)
		}
		defer sub.Unsubscribe()
		logging.Info("🪞 Redis: %s", cfg.Cache.GetRedisURL())
	}

	// === Менеджер контента ===
	opts := content.OptionsFromConfig(&cfg.Content)
	opts.Logger = componentLogger(cfg, "content")
	opts.Bus = bus
	opts.Registerer = reg
	manager, err := content.NewManager(opts)
	if err != nil {
		return fmt.Errorf("менеджер контента: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logging.Warn("Ошибка остановки менеджера: %v", err)
		}
	}()

	// === REST API ===
	var issuer *auth.Issuer
	if secret := cfg.Server.GetAPISecret(); secret != "" {
		if issuer, err = auth.NewIssuer(secret); err != nil {
			return fmt.Errorf("ключ токенов: %w", err)
		}
	} else {
		logging.Warn("⚠️ CONTENT_API_SECRET не задан: изменения через REST доступны без токена")
	}

	transfer := cfg.Content.GetTransferFolder()
	if err := os.MkdirAll(transfer, 0o755); err != nil {
		return fmt.Errorf("каталог обмена: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	rest := api.NewRestServer(api.Config{
		Port:           fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		Catalog:        manager,
		Issuer:         issuer,
		Logger:         componentLogger(cfg, "api"),
		Registry:       reg,
		TransferFolder: transfer,
	})

	metricsRouter := gin.New()
	middleware.RegisterMetricsEndpoint(metricsRouter, reg)
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.GetMetricsPort()),
		Handler:           metricsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(rest.Start)
	g.Go(func() error {
		logging.Info("📊 Метрики на %s/metrics", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("🛑 Остановка contentd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(rest.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Info("✅ contentd остановлен")
	return nil
}
