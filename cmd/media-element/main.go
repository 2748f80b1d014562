// Точка входа Media Element: модуля приёма медиа-файлов и кэша рендишнов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/media-element/internal/api/handlers"
	"github.com/bigkaa/goartstore/media-element/internal/codec"
	"github.com/bigkaa/goartstore/media-element/internal/config"
	"github.com/bigkaa/goartstore/media-element/internal/convert"
	"github.com/bigkaa/goartstore/media-element/internal/database"
	"github.com/bigkaa/goartstore/media-element/internal/normalize"
	"github.com/bigkaa/goartstore/media-element/internal/rendition"
	"github.com/bigkaa/goartstore/media-element/internal/repository"
	"github.com/bigkaa/goartstore/media-element/internal/server"
	"github.com/bigkaa/goartstore/media-element/internal/service"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
	"github.com/bigkaa/goartstore/media-element/internal/storage/index"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Media Element запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("entity_class", cfg.EntityClass),
		slog.Bool("throw_exception", cfg.ThrowException),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка Media Element", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Media Element остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Файловое хранилище мастеров и кэш
	store, err := filestore.New(cfg.StoragePath, cfg.CacheDir(), cfg.StorageDepth)
	if err != nil {
		return fmt.Errorf("инициализация FileStore: %w", err)
	}

	// 2. Хранилище записей
	var (
		repo      repository.MediaRepository
		readiness handlers.ReadinessChecker
		dephealth *service.DephealthService
	)
	switch cfg.EntityClass {
	case config.EntityClassPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции: %w", err)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		repo = repository.NewPostgresRepository(pool, logger)
		readiness = database.NewReadinessChecker(pool)

		db := stdlib.OpenDBFromPool(pool)
		defer db.Close()
		dephealth, err = service.NewDephealthService(
			dephealthName(cfg.DephealthName),
			cfg.DephealthGroup,
			db,
			cfg.DatabaseDSN(),
			cfg.DephealthCheckInterval,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		}
	default:
		fileRepo, err := repository.NewFileRepository(cfg.RecordsDir, index.New(logger), logger)
		if err != nil {
			return fmt.Errorf("инициализация хранилища attr.json: %w", err)
		}
		repo = fileRepo
		readiness = fileRepo
	}

	// 3. Кодек, конвертер, нормализация, кэш рендишнов
	imaging := codec.New()

	var converter normalize.Converter
	pdf := convert.NewPDFConverter(cfg.ConverterPdftoppm, cfg.ConverterTimeout, logger)
	if path, err := pdf.Available(); err != nil {
		logger.Warn("pdftoppm не найден, PDF будут храниться без преобразования",
			slog.String("binary", cfg.ConverterPdftoppm),
			slog.String("error", err.Error()),
		)
	} else {
		converter = pdf
		logger.Info("Конвертер PDF найден", slog.String("path", path))
	}

	normalizer := normalize.New(store, imaging, converter, normalize.Options{
		MaxWidth:  cfg.ConverterMaxWidth,
		MaxHeight: cfg.ConverterMaxHeight,
		Quality:   cfg.ConverterQuality,
	}, logger)
	cache := rendition.New(cfg, store, imaging, logger)

	// 4. Сервисы
	mediaSvc := service.NewMediaService(repo, normalizer, cache, store, cfg.ThrowException, logger)
	downloadSvc := service.NewDownloadService(store, logger)

	// 5. Фоновые процессы
	var janitor *service.CacheJanitor
	if cfg.CacheMaxAge > 0 {
		janitor = service.NewCacheJanitor(cache, cfg.CacheMaxAge, cfg.CacheGCInterval, logger)
		janitor.Start(ctx)
	}

	reconciler := service.NewReconcileService(repo, store, cfg.ReconcileInterval, logger)
	if cfg.ReconcileInterval > 0 {
		reconciler.Start(ctx)
	}

	if dephealth != nil {
		if err := dephealth.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealth = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 6. Handlers
	openapiHandler, err := handlers.NewOpenAPIHandler()
	if err != nil {
		return err
	}
	apiHandler := handlers.NewAPIHandler(
		handlers.NewMediaHandler(mediaSvc, downloadSvc, cfg.MaxUploadSize, logger),
		handlers.NewSystemHandler(cfg, mediaSvc, diskUsageFn(cfg.StoragePath), logger),
		handlers.NewMaintenanceHandler(reconciler),
		handlers.NewHealthHandler(cfg.StoragePath, cfg.CacheDir(), readiness),
		openapiHandler,
		promhttp.Handler(),
	)

	// 7. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler)
	runErr := srv.Run(ctx)

	// --- Остановка фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	cancel()
	if janitor != nil {
		janitor.Stop()
	}
	reconciler.Stop()
	if dephealth != nil {
		dephealth.Stop()
	}

	return runErr
}

// diskUsageFn возвращает функцию ёмкости файловой системы, на которой
// лежат мастер-файлы dir. used+available == total: available считается
// для непривилегированного процесса.
func diskUsageFn(dir string) handlers.DiskUsageFunc {
	return func() (total, used, available int64, err error) {
		var fs syscall.Statfs_t
		if err := syscall.Statfs(dir, &fs); err != nil {
			return 0, 0, 0, fmt.Errorf("ёмкость хранилища %s: %w", dir, err)
		}
		blockSize := int64(fs.Bsize)
		total = int64(fs.Blocks) * blockSize
		available = int64(fs.Bavail) * blockSize
		return total, total - available, available, nil
	}
}

// dephealthName возвращает имя вершины графа: DEPHEALTH_NAME или владелец пода из hostname.
func dephealthName(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "media-element"
	}
	return parseOwnerName(hostname)
}

var (
	// podHashSuffix: суффикс пода Deployment -{hash ReplicaSet}-{5 символов}.
	podHashSuffix = regexp.MustCompile(`-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// ordinalSuffix: суффикс пода StatefulSet -{ordinal}.
	ordinalSuffix = regexp.MustCompile(`-[0-9]+$`)
)

// parseOwnerName извлекает имя владельца (Deployment или StatefulSet) из имени пода.
func parseOwnerName(hostname string) string {
	if loc := podHashSuffix.FindStringIndex(hostname); loc != nil && loc[0] > 0 {
		return hostname[:loc[0]]
	}
	if loc := ordinalSuffix.FindStringIndex(hostname); loc != nil && loc[0] > 0 {
		return hostname[:loc[0]]
	}
	return hostname
}
