// Пакет index: потокобезопасный in-memory индекс записей MediaRecord.
//
// Индекс строится при старте из attr.json файлов (BuildFromDir)
// и обновляется синхронно при Flush файлового хранилища записей.
// Поддерживает три ключа: ID записи, ключ дедупликации (IntakeHash)
// и content hash текущего представления живой записи, поэтому проверка
// дубликатов при приёме не обращается к диску.
//
// Не персистентный: при рестарте пересобирается из attr.json.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/attr"
)

// Index: потокобезопасный in-memory индекс записей.
type Index struct {
	mu       sync.RWMutex
	records  map[string]*model.MediaRecord // id → запись (включая удалённые)
	bySource map[string]string             // intake hash → id (только живые)
	byHash   map[string]string             // content_hash → id (только живые)
	ready    bool
	logger   *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		records:  make(map[string]*model.MediaRecord),
		bySource: make(map[string]string),
		byHash:   make(map[string]string),
		logger:   logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из attr.json файлов директории.
// Заменяет текущее содержимое индекса и помечает его как ready.
// Если у одного ключа несколько живых записей, в индекс попадает самая ранняя.
func (idx *Index) BuildFromDir(dir string) error {
	records, err := attr.ScanDir(dir, idx.logger)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = make(map[string]*model.MediaRecord, len(records))
	idx.bySource = make(map[string]string, len(records))
	idx.byHash = make(map[string]string, len(records))
	conflicts := 0
	for _, rec := range records {
		idx.records[rec.ID] = rec
		if rec.IsDeleted() {
			continue
		}
		if key := rec.IntakeHash(); key != "" {
			if _, exists := idx.bySource[key]; exists {
				conflicts++
			} else {
				idx.bySource[key] = rec.ID
			}
		}
		if rec.ContentHash != "" {
			if _, exists := idx.byHash[rec.ContentHash]; !exists {
				idx.byHash[rec.ContentHash] = rec.ID
			}
		}
	}

	idx.ready = true

	idx.logger.Info("Индекс записей построен",
		slog.Int("records", len(idx.records)),
		slog.Int("live", len(idx.bySource)),
		slog.Int("hash_conflicts", conflicts),
		slog.String("dir", dir),
	)

	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Add добавляет или заменяет запись (upsert по ID).
// Обновляет привязки хэшей: старые хэши записи освобождаются,
// мягко удалённая запись из индекса хэшей убирается.
// Хэш представления, уже занятый другой живой записью, не перехватывается.
func (idx *Index) Add(rec *model.MediaRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.records[rec.ID]; ok {
		idx.unbind(prev)
	}

	idx.records[rec.ID] = rec.Clone()
	if rec.IsDeleted() {
		return
	}
	if key := rec.IntakeHash(); key != "" {
		idx.bySource[key] = rec.ID
	}
	if rec.ContentHash != "" {
		if _, taken := idx.byHash[rec.ContentHash]; !taken {
			idx.byHash[rec.ContentHash] = rec.ID
		}
	}
}

// unbind освобождает хэши, привязанные к записи rec. Вызывается под mu.
func (idx *Index) unbind(rec *model.MediaRecord) {
	if id, bound := idx.bySource[rec.IntakeHash()]; bound && id == rec.ID {
		delete(idx.bySource, rec.IntakeHash())
	}
	if id, bound := idx.byHash[rec.ContentHash]; bound && id == rec.ID {
		delete(idx.byHash, rec.ContentHash)
	}
}

// Remove удаляет запись из индекса.
// Возвращает true, если запись была найдена.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[id]
	if !ok {
		return false
	}
	idx.unbind(rec)
	delete(idx.records, id)
	return true
}

// Get возвращает копию записи по ID (включая удалённые) или nil.
func (idx *Index) Get(id string) *model.MediaRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.records[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// GetByHash возвращает копию живой записи с данным хэшем или nil.
// Сначала ищется запись с таким ключом дедупликации, затем запись,
// чьё текущее представление имеет этот хэш.
func (idx *Index) GetByHash(hash string) *model.MediaRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, ok := idx.bySource[hash]
	if !ok {
		id, ok = idx.byHash[hash]
	}
	if !ok {
		return nil
	}
	return idx.records[id].Clone()
}

// List возвращает пагинированный список записей и общее количество.
//   - limit: максимальное количество элементов (0 = все)
//   - offset: смещение от начала списка
//   - includeDeleted: включать мягко удалённые записи
//
// Записи отсортированы по дате создания (новые первые).
func (idx *Index) List(limit, offset int, includeDeleted bool) ([]*model.MediaRecord, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var filtered []*model.MediaRecord
	for _, rec := range idx.records {
		if rec.IsDeleted() && !includeDeleted {
			continue
		}
		filtered = append(filtered, rec.Clone())
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	if offset >= total {
		return nil, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return filtered[offset:end], total
}

// Count возвращает количество живых (не удалённых) записей.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, rec := range idx.records {
		if !rec.IsDeleted() {
			count++
		}
	}
	return count
}

// CountDeleted возвращает количество мягко удалённых записей.
func (idx *Index) CountDeleted() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, rec := range idx.records {
		if rec.IsDeleted() {
			count++
		}
	}
	return count
}
