package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// clearAllPAEnvVars очищает все переменные окружения PA_* для чистого теста.
func clearAllPAEnvVars(t *testing.T) func() {
	t.Helper()
	keys := []string{
		"PA_PORT", "PA_ARCHIVE_DIR", "PA_SOURCE_LOG", "PA_CONTENT_CACHE_DIR",
		"PA_RETENTION_ENABLED", "PA_RETENTION_INTERVAL", "PA_RETENTION_PERIOD",
		"PA_IMAGE_WAIT_ATTEMPTS", "PA_IMAGE_WAIT_INTERVAL",
		"PA_JWKS_URL", "PA_JWKS_CA_CERT",
		"PA_LOG_LEVEL", "PA_LOG_FORMAT", "PA_SHUTDOWN_TIMEOUT",
	}
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range keys {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// TestLoad_DefaultValues проверяет значения по умолчанию.
func TestLoad_DefaultValues(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	os.Setenv("PA_ARCHIVE_DIR", "/tmp/archive")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("ожидалась успешная загрузка, получена ошибка: %v", err)
	}

	if cfg.Port != 8020 {
		t.Errorf("ожидался порт 8020, получен %d", cfg.Port)
	}
	if !cfg.RetentionEnabled {
		t.Error("очистка должна быть включена по умолчанию")
	}
	if cfg.RetentionInterval != time.Hour {
		t.Errorf("ожидался интервал 1h, получен %v", cfg.RetentionInterval)
	}
	if cfg.RetentionPeriod != 720*time.Hour {
		t.Errorf("ожидалось окно 720h, получено %v", cfg.RetentionPeriod)
	}
	if cfg.ImageWaitAttempts != 30 {
		t.Errorf("ожидалось 30 попыток, получено %d", cfg.ImageWaitAttempts)
	}
	if cfg.ImageWaitInterval != 100*time.Millisecond {
		t.Errorf("ожидалась пауза 100ms, получена %v", cfg.ImageWaitInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("ожидался уровень info, получен %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("ожидался формат json, получен %q", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ожидался таймаут 5s, получен %v", cfg.ShutdownTimeout)
	}
}

// TestLoad_MissingArchiveDir проверяет единственную фатальную ошибку
// конфигурации — отсутствие корня архива.
func TestLoad_MissingArchiveDir(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка при отсутствии PA_ARCHIVE_DIR")
	}
}

// TestLoad_PortOutOfRange проверяет валидацию диапазона порта.
func TestLoad_PortOutOfRange(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	os.Setenv("PA_ARCHIVE_DIR", "/tmp/archive")
	os.Setenv("PA_PORT", "9000")

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка для порта вне диапазона 8020-8029")
	}
}

// TestLoad_InvalidRetentionInterval проверяет валидацию интервала очистки.
func TestLoad_InvalidRetentionInterval(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	os.Setenv("PA_ARCHIVE_DIR", "/tmp/archive")
	os.Setenv("PA_RETENTION_INTERVAL", "не-длительность")

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка для невалидной длительности")
	}
}

// TestLoad_NegativeRetentionPeriod проверяет отклонение отрицательного окна.
func TestLoad_NegativeRetentionPeriod(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	os.Setenv("PA_ARCHIVE_DIR", "/tmp/archive")
	os.Setenv("PA_RETENTION_PERIOD", "-1h")

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка для отрицательного окна хранения")
	}
}

// TestLoad_CustomValues проверяет загрузку нестандартных значений.
func TestLoad_CustomValues(t *testing.T) {
	cleanup := clearAllPAEnvVars(t)
	defer cleanup()

	os.Setenv("PA_ARCHIVE_DIR", "/tmp/archive")
	os.Setenv("PA_PORT", "8025")
	os.Setenv("PA_SOURCE_LOG", "/tmp/history.jsonl")
	os.Setenv("PA_CONTENT_CACHE_DIR", "/tmp/cache")
	os.Setenv("PA_RETENTION_ENABLED", "false")
	os.Setenv("PA_RETENTION_INTERVAL", "30m")
	os.Setenv("PA_RETENTION_PERIOD", "168h")
	os.Setenv("PA_LOG_LEVEL", "debug")
	os.Setenv("PA_LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("ожидалась успешная загрузка, получена ошибка: %v", err)
	}

	if cfg.Port != 8025 {
		t.Errorf("ожидался порт 8025, получен %d", cfg.Port)
	}
	if cfg.SourceLogPath != "/tmp/history.jsonl" {
		t.Errorf("неожиданный SourceLogPath %q", cfg.SourceLogPath)
	}
	if cfg.RetentionEnabled {
		t.Error("очистка должна быть выключена")
	}
	if cfg.RetentionInterval != 30*time.Minute {
		t.Errorf("ожидался интервал 30m, получен %v", cfg.RetentionInterval)
	}
	if cfg.RetentionPeriod != 168*time.Hour {
		t.Errorf("ожидалось окно 168h, получено %v", cfg.RetentionPeriod)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("ожидался уровень debug, получен %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("ожидался формат text, получен %q", cfg.LogFormat)
	}
}

// TestParseLogLevel проверяет разбор уровней логирования.
func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERROR":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Errorf("неожиданная ошибка для %q: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("для %q ожидалось %v, получено %v", in, want, got)
		}
	}

	if _, err := parseLogLevel("trace"); err == nil {
		t.Error("ожидалась ошибка для неизвестного уровня")
	}
}
