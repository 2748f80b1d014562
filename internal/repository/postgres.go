package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

const recordColumns = `id, media_type, content_hash, source_hash, stored_path, width, height,
	original_filename, created_at, updated_at, deleted_at`

// PostgresRepository: хранилище записей в таблице media_records.
// Частичный уникальный индекс по source_hash (WHERE deleted_at IS NULL)
// защищает от дубликатов между процессами: конфликт при Flush
// возвращается как model.ErrDuplicateContent. content_hash не уникален:
// разные исходные файлы могут нормализоваться в одно представление.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	uow    unitOfWork
	logger *slog.Logger
}

// NewPostgresRepository создаёт хранилище записей PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With(slog.String("component", "postgres_repository")),
	}
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ MediaRepository = (*PostgresRepository)(nil)

// FindByHash ищет живую запись сначала в очереди, затем в таблице.
func (r *PostgresRepository) FindByHash(ctx context.Context, hash string) (*model.MediaRecord, bool, error) {
	staged, shadowed := r.uow.findByHash(hash)
	if staged != nil {
		return staged, true, nil
	}

	query := `SELECT ` + recordColumns + `
		FROM media_records
		WHERE (source_hash = $1 OR content_hash = $1) AND deleted_at IS NULL
		ORDER BY (source_hash = $1) DESC, created_at
		LIMIT 1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ошибка поиска записи по хэшу: %w", err)
	}
	if shadowed[rec.ID] {
		return nil, false, nil
	}
	return rec, true, nil
}

// FindByID ищет живую запись по ID.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*model.MediaRecord, error) {
	if rec := r.uow.findByID(id); rec != nil {
		if rec.IsDeleted() {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return rec, nil
	}

	// Не-UUID в колонке uuid даёт ошибку 22P02, для вызывающего это просто «не найдено»
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	query := `SELECT ` + recordColumns + `
		FROM media_records
		WHERE id = $1 AND deleted_at IS NULL`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

// Begin открывает сессию, сохраняющую записи в media_records.
func (r *PostgresRepository) Begin() *Session {
	return newSession(&r.uow, r.save)
}

// save сохраняет пачку одной транзакцией (upsert по id).
func (r *PostgresRepository) save(ctx context.Context, batch []*model.MediaRecord) (int, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, rec := range batch {
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: конфликт source_hash при сохранении", model.ErrDuplicateContent)
		}
		return 0, fmt.Errorf("ошибка сохранения записей: %w", err)
	}

	r.logger.Debug("Записи сохранены", slog.Int("count", len(batch)))
	return len(batch), nil
}

// upsertRecord вставляет новую запись или обновляет существующую.
// Даты выставляет база данных.
func upsertRecord(ctx context.Context, db DBTX, rec *model.MediaRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO media_records (id, media_type, content_hash, source_hash, stored_path,
			width, height, original_filename, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			media_type = EXCLUDED.media_type,
			content_hash = EXCLUDED.content_hash,
			source_hash = EXCLUDED.source_hash,
			stored_path = EXCLUDED.stored_path,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			original_filename = EXCLUDED.original_filename,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	return db.QueryRow(ctx, query,
		rec.ID, rec.MediaType, rec.ContentHash, rec.IntakeHash(), rec.StoredPath,
		rec.Width, rec.Height, rec.OriginalFilename, rec.DeletedAt,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// SoftDelete помечает запись удалённой.
func (r *PostgresRepository) SoftDelete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE media_records
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.logger.Info("Запись помечена удалённой", slog.String("id", id))
	return nil
}

// List возвращает живые записи (новые первые). limit 0: без ограничения.
func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*model.MediaRecord, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	query := `SELECT ` + recordColumns + `
		FROM media_records
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limitArg, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.MediaRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка чтения записи: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации записей: %w", err)
	}
	return result, total, nil
}

// Count возвращает количество живых записей.
func (r *PostgresRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM media_records WHERE deleted_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return count, nil
}

// Pending возвращает длину очереди всех сессий.
func (r *PostgresRepository) Pending() int {
	return r.uow.size()
}

// scanRecord читает строку media_records.
func scanRecord(row pgx.Row) (*model.MediaRecord, error) {
	rec := &model.MediaRecord{}
	var id uuid.UUID
	err := row.Scan(
		&id, &rec.MediaType, &rec.ContentHash, &rec.SourceHash, &rec.StoredPath, &rec.Width, &rec.Height,
		&rec.OriginalFilename, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ID = id.String()
	return rec, nil
}
