// media.go: MediaService, приём файлов, поиск записей и ленивое
// преобразование PDF при построении рендишна.
//
// Приём одного файла:
//
//	хэш → блокировка по хэшу → поиск записи → (дубликат | нормализация → запись в очередь)
//
// Записи сохраняются схемой unit of work: вызывающий открывает сессию
// (Begin), Intake и EnsureRenderable ставят запись в её очередь, Commit
// сохраняет записи только этой сессии.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-element/internal/domain/intake"
	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/normalize"
	"github.com/bigkaa/goartstore/media-element/internal/rendition"
	"github.com/bigkaa/goartstore/media-element/internal/repository"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
)

// Prometheus метрики приёма и конвертации.
var (
	// intakeTotal: результаты приёма по типу.
	intakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_intake_total",
		Help: "Количество операций приёма по результату",
	}, []string{"result"})

	// conversionsTotal: результаты ленивой конвертации PDF.
	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_conversions_total",
		Help: "Количество конвертаций PDF по результату",
	}, []string{"result"})

	// degradedTotal: вызовы Image, завершившиеся без изображения.
	degradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_image_degraded_total",
		Help: "Количество запросов изображения, подавленных при throw_exception=false",
	})
)

// IntakeResult: результат приёма.
type IntakeResult struct {
	// Record: новая или существующая запись
	Record *model.MediaRecord
	// Duplicate: true, если возвращена существующая запись
	Duplicate bool
}

// RenderResult: результат подготовки записи к построению рендишна.
type RenderResult struct {
	// Record: актуальная запись (после конвертации обновлённая копия)
	Record *model.MediaRecord
	// Image: дескриптор рендишна
	Image *rendition.Image
	// Converted: true, если PDF был преобразован в этом вызове
	Converted bool
}

// MediaService: оркестратор приёма и выдачи медиа.
type MediaService struct {
	repo           repository.MediaRepository
	normalizer     *normalize.Normalizer
	cache          *rendition.Cache
	store          *filestore.FileStore
	throwException bool
	locks          *keyedMutex
	logger         *slog.Logger
}

// NewMediaService создаёт MediaService.
// throwException=false включает подавление ошибок конвертации в Image.
func NewMediaService(
	repo repository.MediaRepository,
	normalizer *normalize.Normalizer,
	cache *rendition.Cache,
	store *filestore.FileStore,
	throwException bool,
	logger *slog.Logger,
) *MediaService {
	return &MediaService{
		repo:           repo,
		normalizer:     normalizer,
		cache:          cache,
		store:          store,
		throwException: throwException,
		locks:          newKeyedMutex(),
		logger:         logger.With(slog.String("component", "media_service")),
	}
}

// Begin открывает сессию сохранения для одной операции.
func (s *MediaService) Begin() *repository.Session {
	return s.repo.Begin()
}

// Intake принимает файл sourcePath. Для уже принятого содержимого
// возвращает существующую запись (allowDuplicateReturn=true) или
// ErrDuplicateContent. Содержимое сравнивается по хэшу принятых байтов,
// поэтому PDF остаётся дубликатом и после конвертации. Новая запись
// только ставится в очередь sess: ID она получит после Commit.
func (s *MediaService) Intake(ctx context.Context, sess *repository.Session, sourcePath string, allowDuplicateReturn bool) (*IntakeResult, error) {
	sm := intake.NewStateMachine()

	hash, err := filestore.Checksum(sourcePath)
	if err != nil {
		return nil, s.failIntake(sm, "error", err)
	}
	if err := sm.TransitionTo(intake.StateHashed, hash); err != nil {
		return nil, s.failIntake(sm, "error", err)
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	existing, found, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		return nil, s.failIntake(sm, "error", fmt.Errorf("поиск по хэшу: %w", err))
	}

	if found {
		if !allowDuplicateReturn {
			return nil, s.failIntake(sm, "rejected",
				fmt.Errorf("%w: %s", model.ErrDuplicateContent, hash))
		}
		if err := sm.TransitionTo(intake.StateDuplicateFound, existing.ID); err != nil {
			return nil, s.failIntake(sm, "error", err)
		}
		intakeTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Найден дубликат",
			slog.String("content_hash", hash),
			slog.String("id", existing.ID),
		)
		return &IntakeResult{Record: existing, Duplicate: true}, nil
	}

	if err := sm.TransitionTo(intake.StateNormalizing, ""); err != nil {
		return nil, s.failIntake(sm, "error", err)
	}
	stored, err := s.normalizer.Store(ctx, sourcePath, hash)
	if err != nil {
		return nil, s.failIntake(sm, "error", err)
	}
	if err := sm.TransitionTo(intake.StateStored, stored.Path); err != nil {
		return nil, s.failIntake(sm, "error", err)
	}

	rec := &model.MediaRecord{
		MediaType:   stored.MediaType,
		ContentHash: stored.Hash,
		SourceHash:  hash,
		StoredPath:  stored.Path,
		Width:       stored.Width,
		Height:      stored.Height,
	}
	if err := sess.Persist(ctx, rec); err != nil {
		return nil, s.failIntake(sm, "error", fmt.Errorf("постановка записи в очередь: %w", err))
	}
	if err := sm.TransitionTo(intake.StateRecordPersisted, ""); err != nil {
		return nil, s.failIntake(sm, "error", err)
	}

	intakeTotal.WithLabelValues("created").Inc()
	s.logger.Info("Файл принят",
		slog.String("content_hash", hash),
		slog.String("media_type", rec.MediaType),
		slog.String("stored_path", rec.StoredPath),
	)
	return &IntakeResult{Record: rec}, nil
}

// failIntake переводит автомат в failed и возвращает err.
func (s *MediaService) failIntake(sm *intake.StateMachine, result string, err error) error {
	sm.Fail(err)
	intakeTotal.WithLabelValues(result).Inc()
	s.logger.Warn("Ошибка приёма файла",
		slog.String("state", string(lastState(sm))),
		slog.String("error", err.Error()),
	)
	return err
}

// lastState возвращает состояние, из которого автомат перешёл в failed.
func lastState(sm *intake.StateMachine) intake.State {
	history := sm.History()
	if len(history) == 0 {
		return sm.Current()
	}
	return history[len(history)-1].From
}

// EnsureRenderable готовит запись к построению рендишна width×height.
// PDF преобразуется в JPEG: обновлённая копия ставится в очередь sess и
// возвращается с Converted=true. При ошибке конвертации исходная запись
// не меняется, возвращается типизированная ошибка.
func (s *MediaService) EnsureRenderable(ctx context.Context, sess *repository.Session, rec *model.MediaRecord, width, height int) (*RenderResult, error) {
	if rec.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", model.ErrRecordNotFound, rec.ID)
	}

	current, converted := rec, false
	if rec.NeedsConversion() {
		var err error
		current, converted, err = s.convert(ctx, sess, rec)
		if err != nil {
			return nil, err
		}
	}

	img, err := s.cache.Instance(current, width, height)
	if err != nil {
		return nil, err
	}
	return &RenderResult{Record: current, Image: img, Converted: converted}, nil
}

// convert преобразует PDF-запись. Конвертации одного PDF и приём тех же
// байтов выполняются по очереди (блокировка по хэшу принятых байтов);
// если запись уже преобразована параллельным вызовом, возвращается её
// актуальная версия.
func (s *MediaService) convert(ctx context.Context, sess *repository.Session, rec *model.MediaRecord) (*model.MediaRecord, bool, error) {
	sourceHash := rec.IntakeHash()
	unlock := s.locks.Lock(sourceHash)
	defer unlock()

	if rec.IsPersisted() {
		latest, err := s.repo.FindByID(ctx, rec.ID)
		if err == nil && !latest.NeedsConversion() {
			return latest, false, nil
		}
	}

	if !s.store.FileExists(rec.StoredPath) {
		conversionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: %s", model.ErrMasterUnavailable, rec.StoredPath)
	}

	stored, err := s.normalizer.ConvertPDF(ctx, s.store.ResolveFullPath(rec.StoredPath))
	if err != nil {
		conversionsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Ошибка преобразования PDF в изображение",
			slog.String("id", rec.ID),
			slog.String("stored_path", rec.StoredPath),
			slog.String("error", err.Error()),
		)
		return nil, false, err
	}

	// Файл адресуется по содержимому: если другой PDF дал то же
	// изображение, обе записи ссылаются на один файл.
	if other, found, err := s.repo.FindByHash(ctx, stored.Hash); err != nil {
		conversionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("поиск по хэшу изображения: %w", err)
	} else if found && other.IntakeHash() != sourceHash {
		s.logger.Info("Изображение PDF совпало с существующей записью",
			slog.String("id", rec.ID),
			slog.String("existing_id", other.ID),
			slog.String("content_hash", stored.Hash),
		)
	}

	updated := rec.Clone()
	updated.SourceHash = sourceHash
	updated.OriginalFilename = rec.StoredPath
	updated.MediaType = stored.MediaType
	updated.ContentHash = stored.Hash
	updated.StoredPath = stored.Path
	updated.Width = stored.Width
	updated.Height = stored.Height

	if err := sess.Persist(ctx, updated); err != nil {
		conversionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("постановка записи в очередь: %w", err)
	}

	conversionsTotal.WithLabelValues("success").Inc()
	s.logger.Info("PDF преобразован",
		slog.String("id", rec.ID),
		slog.String("original", rec.StoredPath),
		slog.String("stored_path", updated.StoredPath),
	)
	return updated, true, nil
}

// Find возвращает живую запись по ID или ErrRecordNotFound.
func (s *MediaService) Find(ctx context.Context, id string) (*model.MediaRecord, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Image: помощник для шаблонов и HTTP. ref содержит ID записи или http(s) URL.
// Строит рендишн и возвращает результат. При throw_exception=false ошибки
// конвертации и отсутствующего мастера логируются и подавляются
// (возвращается nil, nil). Ненайденная запись возвращается всегда.
func (s *MediaService) Image(ctx context.Context, sess *repository.Session, ref string, width, height int) (*RenderResult, error) {
	var rec *model.MediaRecord
	if isHTTPRef(ref) {
		rec = &model.MediaRecord{StoredPath: ref}
	} else {
		found, err := s.Find(ctx, ref)
		if err != nil {
			return nil, err
		}
		rec = found
	}

	res, err := s.EnsureRenderable(ctx, sess, rec, width, height)
	if err == nil {
		_, err = res.Image.Render(ctx)
	}
	if err != nil {
		if !s.throwException && isDegradable(err) {
			degradedTotal.Inc()
			s.logger.Warn("Изображение недоступно",
				slog.String("ref", ref),
				slog.String("error", err.Error()),
			)
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// Delete мягко удаляет запись.
func (s *MediaService) Delete(ctx context.Context, id string) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Запись удалена", slog.String("id", id))
	return nil
}

// List возвращает живые записи и их общее количество.
func (s *MediaService) List(ctx context.Context, limit, offset int) ([]*model.MediaRecord, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Count возвращает количество живых записей.
func (s *MediaService) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Commit сохраняет записи, поставленные в очередь sess.
// Очереди других сессий не затрагиваются.
func (s *MediaService) Commit(ctx context.Context, sess *repository.Session) error {
	if err := sess.Flush(ctx); err != nil {
		return fmt.Errorf("сохранение записей: %w", err)
	}
	return nil
}

// isDegradable: ошибки, которые Image подавляет при throw_exception=false.
func isDegradable(err error) bool {
	return model.IsConversionError(err) ||
		errors.Is(err, model.ErrMasterUnavailable) ||
		errors.Is(err, model.ErrNotRenderable) ||
		errors.Is(err, model.ErrConversionRequired)
}

func isHTTPRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
