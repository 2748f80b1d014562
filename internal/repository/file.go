package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/attr"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
	"github.com/bigkaa/goartstore/media-element/internal/storage/index"
)

// FileRepository: хранилище записей на attr.json файлах.
// Источник истины: {dir}/{id}.attr.json, быстрый поиск: in-memory индекс.
type FileRepository struct {
	dir    string
	idx    *index.Index
	uow    unitOfWork
	logger *slog.Logger
	now    func() time.Time
}

// NewFileRepository создаёт файловое хранилище записей.
// Создаёт директорию и строит индекс, если он ещё не построен.
func NewFileRepository(dir string, idx *index.Index, logger *slog.Logger) (*FileRepository, error) {
	if err := filestore.EnsureWritableDir(dir); err != nil {
		return nil, fmt.Errorf("records dir: %w", err)
	}
	if !idx.IsReady() {
		if err := idx.BuildFromDir(dir); err != nil {
			return nil, err
		}
	}

	return &FileRepository{
		dir:    dir,
		idx:    idx,
		logger: logger.With(slog.String("component", "file_repository")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ MediaRepository = (*FileRepository)(nil)

// FindByHash ищет живую запись сначала в очереди, затем в индексе.
func (r *FileRepository) FindByHash(_ context.Context, hash string) (*model.MediaRecord, bool, error) {
	staged, shadowed := r.uow.findByHash(hash)
	if staged != nil {
		return staged, true, nil
	}

	rec := r.idx.GetByHash(hash)
	if rec == nil || shadowed[rec.ID] {
		return nil, false, nil
	}
	return rec, true, nil
}

// FindByID ищет живую запись по ID.
func (r *FileRepository) FindByID(_ context.Context, id string) (*model.MediaRecord, error) {
	rec := r.uow.findByID(id)
	if rec == nil {
		rec = r.idx.Get(id)
	}
	if rec == nil || rec.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Begin открывает сессию, сохраняющую записи в attr.json.
func (r *FileRepository) Begin() *Session {
	return newSession(&r.uow, r.save)
}

// save записывает пачку в attr.json и обновляет индекс.
func (r *FileRepository) save(_ context.Context, batch []*model.MediaRecord) (int, error) {
	now := r.now()
	for i, rec := range batch {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now

		if err := attr.Write(attr.RecordPath(r.dir, rec.ID), rec); err != nil {
			r.logger.Error("Ошибка сохранения записи",
				slog.String("id", rec.ID),
				slog.String("content_hash", rec.ContentHash),
				slog.String("error", err.Error()),
			)
			return i, fmt.Errorf("ошибка сохранения записи %s: %w", rec.ID, err)
		}
		r.idx.Add(rec)

		r.logger.Debug("Запись сохранена",
			slog.String("id", rec.ID),
			slog.String("content_hash", rec.ContentHash),
			slog.String("source_hash", rec.IntakeHash()),
		)
	}
	return len(batch), nil
}

// SoftDelete помечает запись удалённой и сразу перезаписывает attr.json.
func (r *FileRepository) SoftDelete(ctx context.Context, id string) error {
	rec := r.idx.Get(id)
	if rec == nil || rec.IsDeleted() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := r.now()
	rec.DeletedAt = &now
	rec.UpdatedAt = now

	if err := attr.Write(attr.RecordPath(r.dir, id), rec); err != nil {
		return fmt.Errorf("ошибка удаления записи %s: %w", id, err)
	}
	r.idx.Add(rec)

	r.logger.Info("Запись помечена удалённой",
		slog.String("id", id),
		slog.String("content_hash", rec.ContentHash),
	)
	return nil
}

// List возвращает сохранённые живые записи.
func (r *FileRepository) List(_ context.Context, limit, offset int) ([]*model.MediaRecord, int, error) {
	items, total := r.idx.List(limit, offset, false)
	return items, total, nil
}

// Count возвращает количество сохранённых живых записей.
func (r *FileRepository) Count(_ context.Context) (int, error) {
	return r.idx.Count(), nil
}

// Pending возвращает длину очереди всех сессий (для диагностики и тестов).
func (r *FileRepository) Pending() int {
	return r.uow.size()
}

// IsReady сообщает готовность индекса для readiness probe.
func (r *FileRepository) IsReady() bool {
	return r.idx.IsReady()
}

// CheckReady: проверка готовности для readiness probe.
func (r *FileRepository) CheckReady() (status string, message string) {
	if !r.IsReady() {
		return "fail", "индекс записей не построен"
	}
	return "ok", "индекс записей построен"
}
