// janitor.go: фоновая очистка каталога рендишнов.
//
// Удаляет файлы кэша (рендишны и скачанные удалённые мастеры) старше
// MS_CACHE_MAX_AGE. Мастер-файлы в storage root не затрагиваются:
// обход ограничен каталогом кэша. Запускается как горутина с
// периодическим тикером (MS_CACHE_GC_INTERVAL).
package service

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-element/internal/rendition"
)

// Prometheus метрики очистки кэша
var (
	// janitorRunsTotal: количество запусков очистки.
	janitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_cache_janitor_runs_total",
		Help: "Общее количество запусков очистки кэша рендишнов",
	})

	// janitorFilesDeletedTotal: количество удалённых файлов кэша.
	janitorFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_cache_janitor_files_deleted_total",
		Help: "Общее количество файлов кэша, удалённых очисткой",
	})

	// janitorDurationSeconds: длительность очистки.
	janitorDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_cache_janitor_duration_seconds",
		Help:    "Длительность очистки кэша в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// JanitorResult: результат одного запуска очистки.
type JanitorResult struct {
	// Scanned: количество просмотренных файлов
	Scanned int
	// Deleted: количество удалённых файлов
	Deleted int
	// Errors: количество ошибок удаления
	Errors int
	// Duration: длительность выполнения
	Duration time.Duration
}

// CacheJanitor: сервис очистки кэша рендишнов.
type CacheJanitor struct {
	cache    *rendition.Cache
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCacheJanitor создаёт сервис очистки.
func NewCacheJanitor(cache *rendition.Cache, maxAge, interval time.Duration, logger *slog.Logger) *CacheJanitor {
	return &CacheJanitor{
		cache:    cache,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With(slog.String("component", "cache_janitor")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину очистки.
// Вызывается один раз при старте приложения.
func (j *CacheJanitor) Start(ctx context.Context) {
	jCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(jCtx)

	j.logger.Info("Очистка кэша запущена",
		slog.String("interval", j.interval.String()),
		slog.String("max_age", j.maxAge.String()),
	)
}

// Stop останавливает фоновую очистку и дожидается завершения текущего прохода.
func (j *CacheJanitor) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
	j.logger.Info("Очистка кэша остановлена")
}

// run: основной цикл фоновой горутины.
func (j *CacheJanitor) run(ctx context.Context) {
	defer close(j.done)

	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки.
// Потокобезопасен: параллельные вызовы выполняются по очереди.
func (j *CacheJanitor) RunOnce(ctx context.Context) *JanitorResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	result := &JanitorResult{}
	cutoff := j.now().Add(-j.maxAge)

	err := filepath.WalkDir(j.cache.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Каталог мог исчезнуть между чтением и обходом
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		result.Scanned++
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.logger.Error("Очистка: ошибка удаления файла",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			result.Errors++
			return nil
		}
		result.Deleted++
		return nil
	})
	if err != nil && ctx.Err() == nil {
		j.logger.Error("Очистка: ошибка обхода каталога кэша",
			slog.String("dir", j.cache.Dir()),
			slog.String("error", err.Error()),
		)
		result.Errors++
	}

	if result.Deleted > 0 {
		j.cache.Purge()
	}

	result.Duration = time.Since(start)

	janitorRunsTotal.Inc()
	janitorFilesDeletedTotal.Add(float64(result.Deleted))
	janitorDurationSeconds.Observe(result.Duration.Seconds())

	j.logger.Info("Очистка кэша завершена",
		slog.Int("scanned", result.Scanned),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
