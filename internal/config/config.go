// Пакет config: загрузка и валидация конфигурации Media Element
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Реализации хранилища записей (MS_ENTITY_CLASS).
const (
	EntityClassAttr     = "attr"
	EntityClassPostgres = "postgres"
)

// reservedPrefixes: первые сегменты путей API, недоступные для cache.dirname.
var reservedPrefixes = map[string]bool{"api": true, "health": true, "metrics": true}

// Config содержит все параметры конфигурации Media Element.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Режим ошибок вспомогательного слоя. false означает деградацию до пустого результата
	ThrowException bool
	// Реализация хранилища записей (attr, postgres)
	EntityClass string

	// Корень хранилища мастер-файлов (storage.path)
	StoragePath string
	// Глубина шардирования (storage.depth)
	StorageDepth int
	// Директория attr.json файлов (только entity_class=attr)
	RecordsDir string

	// Корень кэша (cache.path)
	CachePath string
	// Имя поддиректории кэша рендишнов и web-префикс (cache.dirname)
	CacheDirname string
	// Максимальный возраст файла рендишна; 0: очистка отключена
	CacheMaxAge time.Duration
	// Интервал запуска очистки кэша
	CacheGCInterval time.Duration
	// Размер LRU-индекса существующих рендишнов
	CacheIndexSize int
	// Интервал сверки записей с мастер-файлами; 0: только по запросу
	ReconcileInterval time.Duration

	// Качество JPEG (converter.quality)
	ConverterQuality int
	// Ограничение размера мастера (converter.size)
	ConverterMaxWidth  int
	ConverterMaxHeight int
	// Путь к pdftoppm
	ConverterPdftoppm string
	// Таймаут подпроцесса конвертации
	ConverterTimeout time.Duration

	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Таймаут загрузки удалённого мастера (http(s) ссылки)
	RemoteFetchTimeout time.Duration
	// Максимальный размер удалённого мастера в байтах
	RemoteMaxSize int64

	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Параметры PostgreSQL (только entity_class=postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// MS_PORT: порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("MS_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("MS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("MS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// MS_THROW_EXCEPTION: возвращать ошибки из вспомогательного слоя (по умолчанию false)
	cfg.ThrowException, err = getEnvBool("MS_THROW_EXCEPTION", false)
	if err != nil {
		return nil, fmt.Errorf("MS_THROW_EXCEPTION: %w", err)
	}

	// MS_ENTITY_CLASS: реализация хранилища записей (по умолчанию attr)
	cfg.EntityClass = strings.ToLower(getEnvDefault("MS_ENTITY_CLASS", EntityClassAttr))
	if cfg.EntityClass != EntityClassAttr && cfg.EntityClass != EntityClassPostgres {
		return nil, fmt.Errorf("MS_ENTITY_CLASS: недопустимое значение %q, допустимые: attr, postgres", cfg.EntityClass)
	}

	// MS_STORAGE_PATH: обязательный
	cfg.StoragePath, err = getEnvRequired("MS_STORAGE_PATH")
	if err != nil {
		return nil, err
	}

	// MS_STORAGE_DEPTH: глубина шардирования (по умолчанию 4)
	cfg.StorageDepth, err = getEnvInt("MS_STORAGE_DEPTH", 4)
	if err != nil {
		return nil, fmt.Errorf("MS_STORAGE_DEPTH: %w", err)
	}
	if cfg.StorageDepth < 0 || cfg.StorageDepth > 32 {
		return nil, fmt.Errorf("MS_STORAGE_DEPTH: значение %d вне допустимого диапазона 0-32", cfg.StorageDepth)
	}

	// MS_RECORDS_DIR: директория attr.json (по умолчанию {storage}/.records)
	cfg.RecordsDir = getEnvDefault("MS_RECORDS_DIR", filepath.Join(cfg.StoragePath, ".records"))

	// MS_CACHE_PATH: обязательный
	cfg.CachePath, err = getEnvRequired("MS_CACHE_PATH")
	if err != nil {
		return nil, err
	}

	// MS_CACHE_DIRNAME: имя директории кэша (по умолчанию imagecache)
	cfg.CacheDirname = strings.Trim(getEnvDefault("MS_CACHE_DIRNAME", "imagecache"), "/")
	if cfg.CacheDirname == "" || strings.ContainsAny(cfg.CacheDirname, `/\`) || cfg.CacheDirname == ".." {
		return nil, fmt.Errorf("MS_CACHE_DIRNAME: недопустимое значение %q", cfg.CacheDirname)
	}
	if reservedPrefixes[cfg.CacheDirname] {
		return nil, fmt.Errorf("MS_CACHE_DIRNAME: %q совпадает с префиксом API", cfg.CacheDirname)
	}

	// MS_CACHE_MAX_AGE: возраст рендишна для очистки (по умолчанию 0, очистка выключена)
	cfg.CacheMaxAge, err = getEnvDuration("MS_CACHE_MAX_AGE", 0)
	if err != nil {
		return nil, fmt.Errorf("MS_CACHE_MAX_AGE: %w", err)
	}

	// MS_CACHE_GC_INTERVAL: интервал очистки кэша (по умолчанию 1h)
	cfg.CacheGCInterval, err = getEnvDuration("MS_CACHE_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("MS_CACHE_GC_INTERVAL: %w", err)
	}

	// MS_CACHE_INDEX_SIZE: размер LRU рендишнов (по умолчанию 4096)
	cfg.CacheIndexSize, err = getEnvInt("MS_CACHE_INDEX_SIZE", 4096)
	if err != nil {
		return nil, fmt.Errorf("MS_CACHE_INDEX_SIZE: %w", err)
	}
	if cfg.CacheIndexSize <= 0 {
		return nil, fmt.Errorf("MS_CACHE_INDEX_SIZE: значение должно быть положительным")
	}

	// MS_RECONCILE_INTERVAL: интервал сверки записей (по умолчанию 6h, 0 выключает тикер)
	cfg.ReconcileInterval, err = getEnvDuration("MS_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("MS_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.ReconcileInterval < 0 {
		return nil, fmt.Errorf("MS_RECONCILE_INTERVAL: значение не может быть отрицательным")
	}

	// MS_CONVERTER_QUALITY: качество JPEG (по умолчанию 90)
	cfg.ConverterQuality, err = getEnvInt("MS_CONVERTER_QUALITY", 90)
	if err != nil {
		return nil, fmt.Errorf("MS_CONVERTER_QUALITY: %w", err)
	}
	if cfg.ConverterQuality < 1 || cfg.ConverterQuality > 100 {
		return nil, fmt.Errorf("MS_CONVERTER_QUALITY: значение %d вне диапазона 1-100", cfg.ConverterQuality)
	}

	// MS_CONVERTER_MAX_WIDTH / MS_CONVERTER_MAX_HEIGHT: ограничение мастера (по умолчанию 2000)
	cfg.ConverterMaxWidth, err = getEnvInt("MS_CONVERTER_MAX_WIDTH", 2000)
	if err != nil {
		return nil, fmt.Errorf("MS_CONVERTER_MAX_WIDTH: %w", err)
	}
	cfg.ConverterMaxHeight, err = getEnvInt("MS_CONVERTER_MAX_HEIGHT", 2000)
	if err != nil {
		return nil, fmt.Errorf("MS_CONVERTER_MAX_HEIGHT: %w", err)
	}
	if cfg.ConverterMaxWidth <= 0 || cfg.ConverterMaxHeight <= 0 {
		return nil, fmt.Errorf("MS_CONVERTER_MAX_WIDTH/HEIGHT: значения должны быть положительными")
	}

	// MS_CONVERTER_PDFTOPPM: путь к конвертеру (по умолчанию /usr/bin/pdftoppm)
	cfg.ConverterPdftoppm = getEnvDefault("MS_CONVERTER_PDFTOPPM", "/usr/bin/pdftoppm")

	// MS_CONVERTER_TIMEOUT: таймаут конвертации (по умолчанию 60s)
	cfg.ConverterTimeout, err = getEnvDuration("MS_CONVERTER_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MS_CONVERTER_TIMEOUT: %w", err)
	}

	// MS_MAX_UPLOAD_SIZE: максимальный размер загрузки (по умолчанию 100 MiB)
	cfg.MaxUploadSize, err = getEnvInt64("MS_MAX_UPLOAD_SIZE", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("MS_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MS_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// MS_REMOTE_FETCH_TIMEOUT: таймаут загрузки удалённого мастера (по умолчанию 30s)
	cfg.RemoteFetchTimeout, err = getEnvDuration("MS_REMOTE_FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MS_REMOTE_FETCH_TIMEOUT: %w", err)
	}

	// MS_REMOTE_MAX_SIZE: максимальный размер удалённого мастера (по умолчанию 100 MiB)
	cfg.RemoteMaxSize, err = getEnvInt64("MS_REMOTE_MAX_SIZE", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("MS_REMOTE_MAX_SIZE: %w", err)
	}
	if cfg.RemoteMaxSize <= 0 {
		return nil, fmt.Errorf("MS_REMOTE_MAX_SIZE: значение должно быть положительным")
	}

	// MS_TLS_CERT / MS_TLS_KEY: задаются вместе или не задаются вовсе
	cfg.TLSCert = getEnvDefault("MS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("MS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("MS_TLS_CERT и MS_TLS_KEY должны задаваться вместе")
	}

	// PostgreSQL: обязательные только для entity_class=postgres
	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	// MS_DEPHEALTH_CHECK_INTERVAL: интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("MS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// MS_DEPHEALTH_GROUP: имя группы в метриках topologymetrics (по умолчанию "media-element")
	cfg.DephealthGroup = getEnvDefault("MS_DEPHEALTH_GROUP", "media-element")

	// DEPHEALTH_NAME: имя владельца пода для метки name в topologymetrics
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// MS_LOG_LEVEL: уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MS_LOG_LEVEL: %w", err)
	}

	// MS_LOG_FORMAT: формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("MS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// MS_SHUTDOWN_TIMEOUT: таймаут graceful shutdown HTTP-сервера (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("MS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBPort, err = getEnvInt("MS_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("MS_DB_PORT: %w", err)
	}
	cfg.DBSSLMode = getEnvDefault("MS_DB_SSL_MODE", "disable")

	if cfg.EntityClass != EntityClassPostgres {
		cfg.DBHost = getEnvDefault("MS_DB_HOST", "")
		cfg.DBName = getEnvDefault("MS_DB_NAME", "")
		cfg.DBUser = getEnvDefault("MS_DB_USER", "")
		cfg.DBPassword = getEnvDefault("MS_DB_PASSWORD", "")
		return nil
	}

	if cfg.DBHost, err = getEnvRequired("MS_DB_HOST"); err != nil {
		return err
	}
	if cfg.DBName, err = getEnvRequired("MS_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("MS_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("MS_DB_PASSWORD"); err != nil {
		return err
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return c.databaseURL("postgres")
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return c.databaseURL("pgx5")
}

func (c *Config) databaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// CacheDir возвращает директорию рендишнов ({cache.path}/{cache.dirname}).
func (c *Config) CacheDir() string {
	return filepath.Join(c.CachePath, c.CacheDirname)
}

// TLSEnabled возвращает true, если заданы сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
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
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
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
