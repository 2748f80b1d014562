// Пакет attr: чтение и запись файлов записей (*.attr.json).
// Каждая MediaRecord файлового хранилища записей лежит в
// {records_dir}/{id}.attr.json; этот файл: единственный источник истины.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// AttrSuffix: суффикс файла записи.
const AttrSuffix = ".attr.json"

// maxAttrFileSize: максимальный допустимый размер attr.json (4 КБ).
// Запись такого размера помещается в одну страницу и пишется за один вызов.
const maxAttrFileSize = 4096

// RecordPath возвращает путь к attr.json записи с данным ID.
// Пример: ("/data/.records", "5f0c…") → "/data/.records/5f0c….attr.json"
func RecordPath(dir, id string) string {
	return filepath.Join(dir, id+AttrSuffix)
}

// IDFromPath возвращает ID записи из пути attr.json.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом записи.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает MediaRecord в attr.json.
// Паттерн: JSON → temp файл → fsync → atomic rename.
// Возвращает ошибку, если сериализованные данные превышают 4 КБ.
func Write(path string, rec *model.MediaRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает и десериализует MediaRecord из attr.json.
func Read(path string) (*model.MediaRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var rec model.MediaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	if rec.ID == "" {
		rec.ID = IDFromPath(path)
	}

	return &rec, nil
}

// Delete удаляет attr.json. Возвращает nil, если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanDir читает все записи директории (не рекурсивно).
// Невалидные файлы пропускаются с предупреждением.
// Используется при построении in-memory индекса при старте.
func ScanDir(dir string, logger *slog.Logger) ([]*model.MediaRecord, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := make([]*model.MediaRecord, 0, len(matches))
	for _, path := range matches {
		rec, err := Read(path)
		if err != nil {
			if logger != nil {
				logger.Warn("Пропущен невалидный attr.json",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		result = append(result, rec)
	}

	return result, nil
}
