// Пакет config — загрузка и валидация конфигурации Prompt Archive
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Prompt Archive.
type Config struct {
	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Путь к корневой директории архива (обязательный параметр)
	ArchiveDir string
	// Путь к журналу промптов наблюдаемого CLI-инструмента.
	// Пустое значение — наблюдение журнала не запускается.
	SourceLogPath string
	// Корень side-store наблюдаемого инструмента: кэш вставок,
	// транскрипты, кэш изображений. Пустое значение — раскрытие
	// артефактов деградирует до pass-through.
	ContentCacheDir string
	// Включена ли автоматическая очистка архива
	RetentionEnabled bool
	// Интервал между циклами очистки
	RetentionInterval time.Duration
	// Окно хранения: записи старше now-RetentionPeriod удаляются
	RetentionPeriod time.Duration
	// Количество попыток ожидания появления кэша изображений сессии
	ImageWaitAttempts int
	// Пауза между попытками ожидания кэша изображений
	ImageWaitInterval time.Duration
	// URL JWKS endpoint для Bearer-аутентификации API (опционально;
	// пустое значение — API без аутентификации)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Единственная фатальная ошибка конфигурации — отсутствие PA_ARCHIVE_DIR:
// без корня архива не может работать ни одна подсистема.
func Load() (*Config, error) {
	cfg := &Config{}

	// PA_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("PA_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("PA_PORT: %w", err)
	}
	if port < 8020 || port > 8029 {
		return nil, fmt.Errorf("PA_PORT: значение %d вне допустимого диапазона 8020-8029", port)
	}
	cfg.Port = port

	// PA_ARCHIVE_DIR — обязательный
	cfg.ArchiveDir, err = getEnvRequired("PA_ARCHIVE_DIR")
	if err != nil {
		return nil, err
	}

	// PA_SOURCE_LOG — путь к наблюдаемому журналу (опционально)
	cfg.SourceLogPath = getEnvDefault("PA_SOURCE_LOG", "")

	// PA_CONTENT_CACHE_DIR — корень side-store инструмента (опционально)
	cfg.ContentCacheDir = getEnvDefault("PA_CONTENT_CACHE_DIR", "")

	// PA_RETENTION_ENABLED — автоматическая очистка (по умолчанию true)
	cfg.RetentionEnabled, err = getEnvBool("PA_RETENTION_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("PA_RETENTION_ENABLED: %w", err)
	}

	// PA_RETENTION_INTERVAL — интервал очистки (по умолчанию 1h)
	cfg.RetentionInterval, err = getEnvDuration("PA_RETENTION_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PA_RETENTION_INTERVAL: %w", err)
	}
	if cfg.RetentionInterval <= 0 {
		return nil, fmt.Errorf("PA_RETENTION_INTERVAL: значение должно быть положительным")
	}

	// PA_RETENTION_PERIOD — окно хранения (по умолчанию 720h = 30 дней)
	cfg.RetentionPeriod, err = getEnvDuration("PA_RETENTION_PERIOD", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PA_RETENTION_PERIOD: %w", err)
	}
	if cfg.RetentionPeriod <= 0 {
		return nil, fmt.Errorf("PA_RETENTION_PERIOD: значение должно быть положительным")
	}

	// PA_IMAGE_WAIT_ATTEMPTS — попытки ожидания кэша изображений (по умолчанию 30)
	cfg.ImageWaitAttempts, err = getEnvInt("PA_IMAGE_WAIT_ATTEMPTS", 30)
	if err != nil {
		return nil, fmt.Errorf("PA_IMAGE_WAIT_ATTEMPTS: %w", err)
	}
	if cfg.ImageWaitAttempts < 0 {
		return nil, fmt.Errorf("PA_IMAGE_WAIT_ATTEMPTS: значение не может быть отрицательным")
	}

	// PA_IMAGE_WAIT_INTERVAL — пауза между попытками (по умолчанию 100ms)
	cfg.ImageWaitInterval, err = getEnvDuration("PA_IMAGE_WAIT_INTERVAL", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("PA_IMAGE_WAIT_INTERVAL: %w", err)
	}

	// PA_JWKS_URL — аутентификация API (опционально)
	cfg.JWKSUrl = getEnvDefault("PA_JWKS_URL", "")

	// PA_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("PA_JWKS_CA_CERT", "")

	// PA_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PA_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PA_LOG_LEVEL: %w", err)
	}

	// PA_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PA_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PA_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PA_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PA_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PA_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 100ms, 30s, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
