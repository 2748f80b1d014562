// reconcile.go: фоновая сверка записей с мастер-файлами.
//
// Сверка проходит по всем живым записям и обнаруживает:
//   - missing_master: локальный мастер записи отсутствует на диске
//   - pending_conversion: PDF ещё не преобразован в изображение
//
// Удалённые (http/https) записи не проверяются. Сверка ничего не
// исправляет: результат идёт в лог, метрики и ответ maintenance endpoint.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-element/internal/repository"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
)

// reconcilePageSize: размер страницы при обходе записей.
const reconcilePageSize = 500

// Типы проблем сверки.
const (
	IssueMissingMaster     = "missing_master"
	IssuePendingConversion = "pending_conversion"
)

var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_reconcile_runs_total",
		Help: "Общее количество запусков сверки записей",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_reconcile_duration_seconds",
		Help:    "Длительность сверки записей в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ReconcileIssue: найденная проблема.
type ReconcileIssue struct {
	Type       string `json:"type"`
	RecordID   string `json:"record_id"`
	StoredPath string `json:"stored_path"`
}

// ReconcileSummary: итоги сверки по типам.
type ReconcileSummary struct {
	Ok                 int `json:"ok"`
	MissingMasters     int `json:"missing_masters"`
	PendingConversions int `json:"pending_conversions"`
	Remote             int `json:"remote"`
}

// ReconcileResult: результат одного цикла сверки.
type ReconcileResult struct {
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	RecordsChecked int              `json:"records_checked"`
	Issues         []ReconcileIssue `json:"issues"`
	Summary        ReconcileSummary `json:"summary"`
}

// ReconcileService: сервис фоновой сверки записей.
type ReconcileService struct {
	repo     repository.MediaRepository
	store    *filestore.FileStore
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	repo repository.MediaRepository,
	store *filestore.FileStore,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		repo:     repo,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Сверка записей запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего цикла.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Сверка записей остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{
		StartedAt: time.Now().UTC(),
		Issues:    []ReconcileIssue{},
	}

	for offset := 0; ; offset += reconcilePageSize {
		if ctx.Err() != nil {
			break
		}
		records, total, err := rs.repo.List(ctx, reconcilePageSize, offset)
		if err != nil {
			rs.logger.Error("Ошибка чтения записей при сверке",
				slog.Int("offset", offset),
				slog.String("error", err.Error()),
			)
			break
		}

		for _, rec := range records {
			result.RecordsChecked++
			switch {
			case rec.IsRemote():
				result.Summary.Remote++
			case !rs.store.FileExists(rec.StoredPath):
				result.Summary.MissingMasters++
				result.Issues = append(result.Issues, ReconcileIssue{
					Type: IssueMissingMaster, RecordID: rec.ID, StoredPath: rec.StoredPath,
				})
			case rec.NeedsConversion():
				result.Summary.PendingConversions++
				result.Issues = append(result.Issues, ReconcileIssue{
					Type: IssuePendingConversion, RecordID: rec.ID, StoredPath: rec.StoredPath,
				})
			default:
				result.Summary.Ok++
			}
		}

		if len(records) == 0 || offset+len(records) >= total {
			break
		}
	}

	result.CompletedAt = time.Now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	level := slog.LevelInfo
	if result.Summary.MissingMasters > 0 {
		level = slog.LevelWarn
	}
	rs.logger.Log(ctx, level, "Сверка записей завершена",
		slog.Int("records_checked", result.RecordsChecked),
		slog.Int("missing_masters", result.Summary.MissingMasters),
		slog.Int("pending_conversions", result.Summary.PendingConversions),
		slog.Int("ok", result.Summary.Ok),
		slog.Duration("duration", duration),
	)

	return result, false
}
