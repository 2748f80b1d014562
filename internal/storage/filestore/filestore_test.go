package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// newTestStore создаёт FileStore во временной директории.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()

	base := t.TempDir()
	fs, err := New(filepath.Join(base, "store"), filepath.Join(base, "cache", "imagecache"), 4)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	return fs
}

// writeSource создаёт исходный файл с содержимым.
func writeSource(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, content, 0o640); err != nil {
		t.Fatalf("ошибка создания исходного файла: %v", err)
	}
	return path
}

func sha(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TestNew_CreatesDirectories проверяет создание storage и cache root.
func TestNew_CreatesDirectories(t *testing.T) {
	fs := newTestStore(t)

	for _, dir := range []string{fs.Root(), fs.CacheRoot()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("директория %s не создана: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s не является директорией", dir)
		}
	}
}

// TestNew_Unwritable проверяет отказ для существующей, но недоступной директории.
func TestNew_Unwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root игнорирует права доступа")
	}

	base := t.TempDir()
	root := filepath.Join(base, "readonly")
	if err := os.Mkdir(root, 0o500); err != nil {
		t.Fatalf("ошибка создания директории: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(root, 0o750) })

	_, err := New(root, filepath.Join(base, "cache"), 4)
	if !errors.Is(err, model.ErrStorageUnwritable) {
		t.Errorf("ожидалась ErrStorageUnwritable, получено %v", err)
	}
}

// TestNew_RootIsFile проверяет отказ, если root: обычный файл.
func TestNew_RootIsFile(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "file")
	if err := os.WriteFile(root, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	_, err := New(root, filepath.Join(base, "cache"), 4)
	if !errors.Is(err, model.ErrStorageUnwritable) {
		t.Errorf("ожидалась ErrStorageUnwritable, получено %v", err)
	}
}

// TestPut_RoundTrip проверяет, что сохранённый файл побайтно совпадает с исходным.
func TestPut_RoundTrip(t *testing.T) {
	fs := newTestStore(t)
	content := []byte("Hello, World! Тестовые данные для проверки.")
	src := writeSource(t, content)
	hash := sha(content)

	rel, err := fs.Put(src, hash, "txt")
	if err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}

	wantRel := filepath.Join(string(hash[0]), string(hash[1]), string(hash[2]), string(hash[3]), hash+".txt")
	if rel != wantRel {
		t.Errorf("путь: ожидалось %s, получено %s", wantRel, rel)
	}

	data, err := os.ReadFile(fs.ResolveFullPath(rel))
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое файла не совпадает")
	}
}

// TestPut_NoTmpFiles проверяет, что временные файлы удаляются.
func TestPut_NoTmpFiles(t *testing.T) {
	fs := newTestStore(t)
	content := []byte("data")
	rel, err := fs.Put(writeSource(t, content), sha(content), "bin")
	if err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(fs.ResolveFullPath(rel)))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("в каталоге шарда ожидался 1 файл, найдено %d", len(entries))
	}
}

// TestPut_MissingSource проверяет ErrSourceUnreadable.
func TestPut_MissingSource(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Put(filepath.Join(t.TempDir(), "missing-file"), sha([]byte("x")), "bin")
	if !errors.Is(err, model.ErrSourceUnreadable) {
		t.Errorf("ожидалась ErrSourceUnreadable, получено %v", err)
	}
}

// TestPut_Directory проверяет отказ для директории в качестве источника.
func TestPut_Directory(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Put(t.TempDir(), sha([]byte("x")), "bin")
	if !errors.Is(err, model.ErrSourceUnreadable) {
		t.Errorf("ожидалась ErrSourceUnreadable, получено %v", err)
	}
}

// TestPut_InvalidHash проверяет ErrInvalidHash для короткого хэша.
func TestPut_InvalidHash(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Put(writeSource(t, []byte("x")), "ab", "bin")
	if !errors.Is(err, model.ErrInvalidHash) {
		t.Errorf("ожидалась ErrInvalidHash, получено %v", err)
	}
}

// TestPutFunc_ErrorKeepsExisting проверяет, что ошибка записи не портит существующий файл.
func TestPutFunc_ErrorKeepsExisting(t *testing.T) {
	fs := newTestStore(t)
	content := []byte("original")
	hash := sha(content)

	rel, err := fs.Put(writeSource(t, content), hash, "bin")
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.PutFunc(hash, "bin", func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return fmt.Errorf("сбой кодека")
	})
	if err == nil {
		t.Fatal("ожидалась ошибка записи")
	}

	data, _ := os.ReadFile(fs.ResolveFullPath(rel))
	if !bytes.Equal(data, content) {
		t.Error("существующий файл не должен изменяться")
	}
}

// TestExistsAndLocate проверяет поиск сохранённого файла по хэшу.
func TestExistsAndLocate(t *testing.T) {
	fs := newTestStore(t)
	content := []byte("locate me")
	hash := sha(content)

	ok, err := fs.Exists(hash)
	if err != nil || ok {
		t.Fatalf("до сохранения файл не должен существовать: ok=%v err=%v", ok, err)
	}

	rel, err := fs.Put(writeSource(t, content), hash, "dat")
	if err != nil {
		t.Fatal(err)
	}

	ok, err = fs.Exists(hash)
	if err != nil || !ok {
		t.Fatalf("после сохранения файл должен существовать: ok=%v err=%v", ok, err)
	}

	got, ok := fs.Locate(hash)
	if !ok || got != rel {
		t.Errorf("Locate: ожидалось %s, получено %s (%v)", rel, got, ok)
	}
}

// TestPut_ConcurrentSameHash проверяет, что параллельная запись одинаковых
// байтов в один путь оставляет ровно один корректный файл.
func TestPut_ConcurrentSameHash(t *testing.T) {
	fs := newTestStore(t)
	content := bytes.Repeat([]byte("concurrent"), 1024)
	src := writeSource(t, content)
	hash := sha(content)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fs.Put(src, hash, "bin"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ошибка параллельной записи: %v", err)
	}

	rel, ok := fs.Locate(hash)
	if !ok {
		t.Fatal("файл не найден")
	}
	entries, _ := os.ReadDir(filepath.Dir(fs.ResolveFullPath(rel)))
	if len(entries) != 1 {
		t.Errorf("ожидался 1 файл в шарде, найдено %d", len(entries))
	}
	data, _ := os.ReadFile(fs.ResolveFullPath(rel))
	if !bytes.Equal(data, content) {
		t.Error("содержимое повреждено")
	}
}

// TestResolveFullPath проверяет обработку локальных и удалённых ссылок.
func TestResolveFullPath(t *testing.T) {
	fs := newTestStore(t)

	url := "https://example.com/image.jpg"
	if got := fs.ResolveFullPath(url); got != url {
		t.Errorf("URL должен возвращаться без изменений, получено %s", got)
	}

	rel := filepath.Join("a", "b", "c", "d", "abcd.jpg")
	if got := fs.ResolveFullPath(rel); got != filepath.Join(fs.Root(), rel) {
		t.Errorf("неожиданный путь %s", got)
	}
}

// TestOpen_Missing проверяет ErrMasterUnavailable для отсутствующего файла.
func TestOpen_Missing(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Open(filepath.Join("a", "b", "c", "d", "missing.jpg"))
	if !errors.Is(err, model.ErrMasterUnavailable) {
		t.Errorf("ожидалась ErrMasterUnavailable, получено %v", err)
	}
	if fs.FileExists("https://example.com/x.jpg") {
		t.Error("удалённая ссылка не является локальным файлом")
	}
}

// TestChecksum проверяет потоковый SHA-256.
func TestChecksum(t *testing.T) {
	content := []byte(strings.Repeat("checksum", 4096))
	got, err := Checksum(writeSource(t, content))
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if got != sha(content) {
		t.Errorf("ожидалось %s, получено %s", sha(content), got)
	}

	if _, err := Checksum("missing-file"); !errors.Is(err, model.ErrSourceUnreadable) {
		t.Errorf("ожидалась ErrSourceUnreadable, получено %v", err)
	}
}
