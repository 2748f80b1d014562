// Пакет filestore: content-addressed хранилище файлов на диске.
// Файл хранится ровно один раз по пути {root}/{a/b/c/d}/{hash}.{ext},
// где a/b/c/d: первые символы хэша (пакет shard).
// Запись выполняется атомарно: temp файл → fsync → rename, поэтому
// два писателя одинаковых байтов в один путь безопасны.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/shard"
)

// tmpSuffix: суффикс временных файлов. Временные файлы начинаются с точки,
// чтобы не попадать под маску {hash}.*.
const tmpSuffix = ".tmp"

// FileStore: управление мастер-файлами на диске.
type FileStore struct {
	// root: корневая директория хранения (storage.path)
	root string
	// cacheRoot: директория кэша рендишнов ({cache.path}/{cache.dirname})
	cacheRoot string
	// depth: глубина шардирования (storage.depth)
	depth int
}

// New создаёт FileStore. Проверяет storage root и cache root:
// отсутствующие создаются, существующие, но недоступные для записи,
// приводят к ErrStorageUnwritable. Вызывается до любой записи.
func New(root, cacheRoot string, depth int) (*FileStore, error) {
	if depth < 0 {
		return nil, fmt.Errorf("некорректная глубина шардирования: %d", depth)
	}
	if err := EnsureWritableDir(root); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := EnsureWritableDir(cacheRoot); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}

	return &FileStore{root: root, cacheRoot: cacheRoot, depth: depth}, nil
}

// EnsureWritableDir создаёт директорию, если её нет, и проверяет
// возможность записи через пробный файл.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: не удалось создать директорию %s: %v", model.ErrStorageUnwritable, dir, err)
	}

	probe := filepath.Join(dir, ".write_test_"+uuid.New().String()[:8])
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("%w: директория %s недоступна для записи: %v", model.ErrStorageUnwritable, dir, err)
	}
	_ = os.Remove(probe)
	return nil
}

// Root возвращает storage root.
func (fs *FileStore) Root() string {
	return fs.root
}

// CacheRoot возвращает директорию кэша рендишнов.
func (fs *FileStore) CacheRoot() string {
	return fs.cacheRoot
}

// Depth возвращает глубину шардирования.
func (fs *FileStore) Depth() int {
	return fs.depth
}

// Exists проверяет, сохранён ли файл с данным хэшем.
func (fs *FileStore) Exists(hash string) (bool, error) {
	_, ok, err := fs.locate(hash)
	return ok, err
}

// Locate возвращает относительный путь сохранённого файла для хэша.
func (fs *FileStore) Locate(hash string) (string, bool) {
	rel, ok, err := fs.locate(hash)
	if err != nil {
		return "", false
	}
	return rel, ok
}

func (fs *FileStore) locate(hash string) (string, bool, error) {
	dir, err := shard.Dir(hash, fs.depth)
	if err != nil {
		return "", false, err
	}

	matches, err := filepath.Glob(filepath.Join(fs.root, dir, globEscape(hash)+".*"))
	if err != nil {
		return "", false, fmt.Errorf("ошибка поиска файла %s: %w", hash, err)
	}
	for _, m := range matches {
		if strings.HasSuffix(m, tmpSuffix) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(fs.root, m)
		if err != nil {
			continue
		}
		return rel, true, nil
	}
	return "", false, nil
}

// Put копирует sourcePath в {root}/{shard}/{hash}.{ext} и возвращает
// путь относительно root.
func (fs *FileStore) Put(sourcePath, hash, ext string) (string, error) {
	src, err := openSource(sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	return fs.PutFunc(hash, ext, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// PutFunc записывает данные, которые формирует write, в
// {root}/{shard}/{hash}.{ext}. Паттерн: temp → fsync → atomic rename.
// При ошибке temp файл удаляется, существующий файл не затрагивается.
func (fs *FileStore) PutFunc(hash, ext string, write func(w io.Writer) error) (string, error) {
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return "", fmt.Errorf("некорректное расширение %q", ext)
	}

	rel, err := fs.ExpectedPath(hash, ext)
	if err != nil {
		return "", err
	}

	fullPath := filepath.Join(fs.root, rel)
	dir := filepath.Dir(fullPath)
	// MkdirAll идемпотентен, "уже существует" не ошибка
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: не удалось создать директорию %s: %v", model.ErrStorageUnwritable, dir, err)
	}

	tmpPath := filepath.Join(dir, "."+hash+"."+uuid.New().String()[:8]+tmpSuffix)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("%w: ошибка создания временного файла: %v", model.ErrStorageUnwritable, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: ошибка fsync: %v", model.ErrStorageUnwritable, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: ошибка закрытия файла: %v", model.ErrStorageUnwritable, err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: ошибка атомарного переименования: %v", model.ErrStorageUnwritable, err)
	}

	return rel, nil
}

// ExpectedPath возвращает путь, который должен иметь файл с данным хэшем
// и расширением. Используется для проверки StoredPath записи.
func (fs *FileStore) ExpectedPath(hash, ext string) (string, error) {
	return shard.FileName(hash, fs.depth, ext)
}

// ResolveFullPath возвращает путь для чтения. Удалённые ссылки
// (начинаются со схемы URL) возвращаются без изменений.
func (fs *FileStore) ResolveFullPath(relativePath string) string {
	if model.IsRemoteRef(relativePath) {
		return relativePath
	}
	return filepath.Join(fs.root, relativePath)
}

// Open открывает сохранённый файл для чтения.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(relativePath string) (*os.File, error) {
	if model.IsRemoteRef(relativePath) {
		return nil, fmt.Errorf("%w: удалённая ссылка %s", model.ErrMasterUnavailable, relativePath)
	}

	f, err := os.Open(fs.ResolveFullPath(relativePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", model.ErrMasterUnavailable, relativePath)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", relativePath, err)
	}
	return f, nil
}

// FileExists проверяет существование файла по относительному пути.
func (fs *FileStore) FileExists(relativePath string) bool {
	if model.IsRemoteRef(relativePath) {
		return false
	}
	info, err := os.Stat(fs.ResolveFullPath(relativePath))
	return err == nil && info.Mode().IsRegular()
}

// Checksum вычисляет SHA-256 хэш произвольного файла (используется при приёме).
func Checksum(path string) (string, error) {
	f, err := openSource(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("%w: ошибка чтения %s: %v", model.ErrSourceUnreadable, path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// openSource открывает исходный файл, проверяя, что это обычный файл.
func openSource(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceUnreadable, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceUnreadable, path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s не является файлом", model.ErrSourceUnreadable, path)
	}
	return f, nil
}

// globEscape экранирует метасимволы filepath.Match.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
