// Точка входа Prompt Archive — сервиса архивирования журнала промптов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigkaa/promptarchive/internal/api/handlers"
	"github.com/bigkaa/promptarchive/internal/api/middleware"
	"github.com/bigkaa/promptarchive/internal/artifact"
	"github.com/bigkaa/promptarchive/internal/config"
	"github.com/bigkaa/promptarchive/internal/server"
	"github.com/bigkaa/promptarchive/internal/service"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
	"github.com/bigkaa/promptarchive/internal/watcher"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Prompt Archive запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("archive_dir", cfg.ArchiveDir),
		slog.Bool("retention_enabled", cfg.RetentionEnabled),
	)

	// --- Инициализация компонентов ---

	// 1. Партиционированное хранилище архива
	store, err := archive.New(cfg.ArchiveDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации архива", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Раскрытие артефактов (вставки, изображения)
	resolver := artifact.New(
		cfg.ContentCacheDir,
		store.ImagesRoot(),
		cfg.ImageWaitAttempts,
		cfg.ImageWaitInterval,
		logger,
	)
	if !resolver.Enabled() {
		logger.Info("Side-store не сконфигурирован, раскрытие артефактов отключено")
	}

	// 3. Сервисы
	ingestSvc := service.NewIngestService(store, resolver, logger)
	querySvc := service.NewQueryService(store, resolver, logger)
	retentionSvc := service.NewRetentionService(
		store,
		cfg.RetentionEnabled,
		cfg.RetentionInterval,
		cfg.RetentionPeriod,
		logger,
	)

	// 4. Фоновые процессы
	ctx := context.Background()

	// 4.1 Наблюдение журнала + приём (только при заданном PA_SOURCE_LOG)
	var tailer *watcher.Tailer
	if cfg.SourceLogPath != "" {
		tailer, err = watcher.NewTailer(cfg.SourceLogPath, logger)
		if err != nil {
			logger.Error("Ошибка инициализации наблюдателя", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := tailer.Start(ctx); err != nil {
			logger.Error("Ошибка запуска наблюдателя", slog.String("error", err.Error()))
			os.Exit(1)
		}
		ingestSvc.Start(ctx, tailer.Events())
	} else {
		logger.Info("PA_SOURCE_LOG не задан, приём записей отключён (read-only режим)")
	}

	// 4.2 Планировщик удержания
	retentionSvc.Start(ctx)

	// 5. Аутентификация API (опционально)
	var auth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		auth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: time.Hour,
			JWTLeeway:       time.Minute,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Аутентификация API включена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Info("PA_JWKS_URL не задан, API без аутентификации")
	}

	// 6. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Sessions:    handlers.NewSessionsHandler(querySvc, logger),
		Maintenance: handlers.NewMaintenanceHandler(retentionSvc, logger),
		Health:      handlers.NewHealthHandler(cfg.ArchiveDir),
	}, auth)

	// Run блокируется до сигнала завершения
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Остановка фоновых процессов в обратном порядке
	retentionSvc.Stop()
	if tailer != nil {
		ingestSvc.Stop()
		tailer.Stop()
	}

	logger.Info("Prompt Archive остановлен")
}
