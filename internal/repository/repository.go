// Пакет repository: хранилища записей MediaRecord.
//
// Записи сохраняются по схеме unit of work. Каждая операция открывает
// свою сессию (Begin): Persist ставит запись в очередь сессии, Flush
// сохраняет только записи этой сессии и присваивает новым записям ID,
// Rollback отбрасывает несохранённое. FindByHash и FindByID видят
// записи всех открытых сессий, поэтому параллельные приёмы одинаковых
// байтов не создают вторую запись до Flush.
//
// Реализации: FileRepository (attr.json + in-memory индекс) и
// PostgresRepository (таблица media_records, чистый SQL через pgx).
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// ErrNotFound: запись не найдена или мягко удалена.
// Совпадает с model.ErrRecordNotFound, чтобы проверка errors.Is
// работала на любом уровне.
var ErrNotFound = model.ErrRecordNotFound

// MediaRepository: хранилище записей.
type MediaRepository interface {
	// FindByHash возвращает живую запись, у которой hash совпадает с ключом
	// дедупликации (хэшем принятых байтов) или с хэшем текущего представления.
	// found=false без ошибки, если такой записи нет.
	FindByHash(ctx context.Context, hash string) (rec *model.MediaRecord, found bool, err error)
	// FindByID возвращает живую запись по ID или ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.MediaRecord, error)
	// Begin открывает сессию unit of work.
	Begin() *Session
	// SoftDelete помечает запись удалённой (сразу, без очереди).
	SoftDelete(ctx context.Context, id string) error
	// List возвращает живые записи (новые первые) и их общее количество.
	List(ctx context.Context, limit, offset int) ([]*model.MediaRecord, int, error)
	// Count возвращает количество живых записей.
	Count(ctx context.Context) (int, error)
}

// saveFunc сохраняет пачку записей и возвращает количество сохранённых.
type saveFunc func(ctx context.Context, batch []*model.MediaRecord) (int, error)

// Session: очередь записей одной операции.
// Не предназначена для одновременного использования из нескольких горутин.
type Session struct {
	uow  *unitOfWork
	save saveFunc
}

func newSession(uow *unitOfWork, save saveFunc) *Session {
	return &Session{uow: uow, save: save}
}

// Persist ставит запись в очередь сессии.
func (s *Session) Persist(_ context.Context, rec *model.MediaRecord) error {
	if rec == nil {
		return fmt.Errorf("запись не задана")
	}
	s.uow.stage(s, rec)
	return nil
}

// Flush сохраняет записи сессии. Новым записям присваиваются ID и даты.
// При ошибке несохранённые записи остаются в очереди сессии.
func (s *Session) Flush(ctx context.Context) error {
	return s.uow.flush(s, func(batch []*model.MediaRecord) (int, error) {
		return s.save(ctx, batch)
	})
}

// Discard убирает запись из очереди сессии без сохранения.
func (s *Session) Discard(_ context.Context, rec *model.MediaRecord) {
	s.uow.discard(s, rec)
}

// Rollback отбрасывает все несохранённые записи сессии.
// После успешного Flush ничего не делает, поэтому подходит для defer.
func (s *Session) Rollback(_ context.Context) {
	s.uow.release(s)
}

// Pending возвращает количество несохранённых записей сессии.
func (s *Session) Pending() int {
	return s.uow.sizeOf(s)
}

// DBTX: интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозиторий как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// stagedRecord: запись в очереди и сессия, которая её поставила.
type stagedRecord struct {
	owner *Session
	rec   *model.MediaRecord
}

// unitOfWork: общая очередь записей открытых сессий, ожидающих Flush.
// Записи хранятся по указателю: после успешного Flush вызывающий код
// видит присвоенные ID и даты в том же объекте.
type unitOfWork struct {
	mu      sync.Mutex
	pending []stagedRecord
}

// stage добавляет запись в очередь сессии owner. Запись с уже стоящим
// в очереди этой сессии ID заменяет предыдущую; повторная постановка
// того же указателя игнорируется.
func (u *unitOfWork) stage(owner *Session, rec *model.MediaRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, p := range u.pending {
		if p.owner != owner {
			continue
		}
		if p.rec == rec {
			return
		}
		if rec.ID != "" && p.rec.ID == rec.ID {
			u.pending[i].rec = rec
			return
		}
	}
	u.pending = append(u.pending, stagedRecord{owner: owner, rec: rec})
}

// findByHash ищет живую запись в очередях всех сессий. shadowed содержит
// ID записей очереди, не совпавших с hash: их сохранённые версии
// устарели и не должны возвращаться из хранилища.
func (u *unitOfWork) findByHash(hash string) (rec *model.MediaRecord, shadowed map[string]bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	shadowed = make(map[string]bool)
	for _, p := range u.pending {
		if !p.rec.IsDeleted() && p.rec.MatchesHash(hash) {
			return p.rec.Clone(), nil
		}
		if p.rec.ID != "" {
			shadowed[p.rec.ID] = true
		}
	}
	return nil, shadowed
}

// findByID ищет запись в очередях всех сессий по ID.
func (u *unitOfWork) findByID(id string) *model.MediaRecord {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, p := range u.pending {
		if p.rec.ID == id {
			return p.rec.Clone()
		}
	}
	return nil
}

// flush передаёт записи сессии owner в save под блокировкой. save получает
// копии записей и возвращает количество успешно сохранённых; сохранённые
// копии переносят ID и даты в исходные объекты и покидают очередь.
// Записи других сессий не затрагиваются.
func (u *unitOfWork) flush(owner *Session, save func(batch []*model.MediaRecord) (int, error)) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var own []*model.MediaRecord
	for _, p := range u.pending {
		if p.owner == owner {
			own = append(own, p.rec)
		}
	}
	if len(own) == 0 {
		return nil
	}

	batch := make([]*model.MediaRecord, len(own))
	for i, rec := range own {
		batch[i] = rec.Clone()
	}

	saved, err := save(batch)
	done := make(map[*model.MediaRecord]bool, saved)
	for i := 0; i < saved; i++ {
		own[i].ID = batch[i].ID
		own[i].CreatedAt = batch[i].CreatedAt
		own[i].UpdatedAt = batch[i].UpdatedAt
		done[own[i]] = true
	}
	u.remove(func(p stagedRecord) bool { return p.owner == owner && done[p.rec] })
	return err
}

// discard убирает запись сессии owner из очереди (по указателю или ID).
func (u *unitOfWork) discard(owner *Session, rec *model.MediaRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, p := range u.pending {
		if p.owner == owner && (p.rec == rec || (rec.ID != "" && p.rec.ID == rec.ID)) {
			u.pending = append(u.pending[:i], u.pending[i+1:]...)
			return
		}
	}
}

// release убирает из очереди все записи сессии owner.
func (u *unitOfWork) release(owner *Session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.remove(func(p stagedRecord) bool { return p.owner == owner })
}

// remove убирает из очереди записи, для которых drop возвращает true.
// Вызывается под mu.
func (u *unitOfWork) remove(drop func(p stagedRecord) bool) {
	kept := u.pending[:0]
	for _, p := range u.pending {
		if !drop(p) {
			kept = append(kept, p)
		}
	}
	clear(u.pending[len(kept):])
	u.pending = kept
}

// size возвращает длину очереди всех сессий.
func (u *unitOfWork) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// sizeOf возвращает количество записей сессии owner.
func (u *unitOfWork) sizeOf(owner *Session) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := 0
	for _, p := range u.pending {
		if p.owner == owner {
			n++
		}
	}
	return n
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
