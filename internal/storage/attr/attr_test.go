package attr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// testRecord создаёт тестовую запись.
func testRecord() *model.MediaRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.MediaRecord{
		ID:          "5f0c7d8e-1111-4a2b-9c3d-000000000001",
		MediaType:   model.MimeJPEG,
		ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		StoredPath:  "9/f/8/6/9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08.jpg",
		Width:       800,
		Height:      600,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TestWriteAndRead проверяет запись и чтение attr.json.
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord()
	path := RecordPath(dir, rec.ID)

	if err := Write(path, rec); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}

	if got.ID != rec.ID {
		t.Errorf("ID: ожидалось %q, получено %q", rec.ID, got.ID)
	}
	if got.ContentHash != rec.ContentHash {
		t.Errorf("ContentHash: ожидалось %q, получено %q", rec.ContentHash, got.ContentHash)
	}
	if got.StoredPath != rec.StoredPath {
		t.Errorf("StoredPath: ожидалось %q, получено %q", rec.StoredPath, got.StoredPath)
	}
	if got.MediaType != rec.MediaType {
		t.Errorf("MediaType: ожидалось %q, получено %q", rec.MediaType, got.MediaType)
	}
	if got.Width != rec.Width || got.Height != rec.Height {
		t.Errorf("размер: ожидалось %dx%d, получено %dx%d", rec.Width, rec.Height, got.Width, got.Height)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt: ожидалось %v, получено %v", rec.CreatedAt, got.CreatedAt)
	}
	if got.DeletedAt != nil {
		t.Error("DeletedAt должен быть nil")
	}
}

// TestWrite_AtomicNoTmpFile проверяет, что temp файл не остаётся после записи.
func TestWrite_AtomicNoTmpFile(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord()

	if err := Write(RecordPath(dir, rec.ID), rec); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("ожидался 1 файл, найдено %d", len(entries))
	}
}

// TestWrite_OverwriteExisting проверяет перезапись (мягкое удаление).
func TestWrite_OverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord()
	path := RecordPath(dir, rec.ID)

	if err := Write(path, rec); err != nil {
		t.Fatalf("ошибка первой записи: %v", err)
	}

	deletedAt := time.Now().UTC()
	rec.DeletedAt = &deletedAt
	if err := Write(path, rec); err != nil {
		t.Fatalf("ошибка перезаписи: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("запись должна быть помечена удалённой")
	}
}

// TestRead_IDFromFileName проверяет восстановление ID из имени файла.
func TestRead_IDFromFileName(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord()
	id := rec.ID
	rec.ID = ""
	path := RecordPath(dir, id)

	if err := Write(path, rec); err != nil {
		t.Fatal(err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != id {
		t.Errorf("ID: ожидалось %q, получено %q", id, got.ID)
	}
}

// TestRead_NotFound проверяет ошибку при чтении несуществующего файла.
func TestRead_NotFound(t *testing.T) {
	if _, err := Read("/nonexistent/path/file.attr.json"); err == nil {
		t.Error("ожидалась ошибка для несуществующего файла")
	}
}

// TestRead_InvalidJSON проверяет ошибку при невалидном JSON.
func TestRead_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.attr.json")
	if err := os.WriteFile(path, []byte("invalid json"), 0o640); err != nil {
		t.Fatalf("ошибка создания файла: %v", err)
	}

	if _, err := Read(path); err == nil {
		t.Error("ожидалась ошибка для невалидного JSON")
	}
}

// TestDelete проверяет удаление attr.json и идемпотентность.
func TestDelete(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord()
	path := RecordPath(dir, rec.ID)

	if err := Write(path, rec); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if err := Delete(path); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("файл должен быть удалён")
	}
	if err := Delete(path); err != nil {
		t.Errorf("повторное удаление не должно возвращать ошибку: %v", err)
	}
}

// TestPaths проверяет формирование путей и разбор ID.
func TestPaths(t *testing.T) {
	path := RecordPath("/data/.records", "abc")
	if path != "/data/.records/abc.attr.json" {
		t.Errorf("RecordPath: получено %q", path)
	}
	if id := IDFromPath(path); id != "abc" {
		t.Errorf("IDFromPath: ожидалось abc, получено %q", id)
	}
	if !IsAttrFile(path) {
		t.Error("путь должен быть attr-файлом")
	}
	if IsAttrFile("photo.jpg") {
		t.Error("photo.jpg не должен быть attr-файлом")
	}
}

// TestScanDir проверяет сканирование директории с пропуском невалидных файлов.
func TestScanDir(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"id-1", "id-2", "id-3"} {
		rec := testRecord()
		rec.ID = id
		if err := Write(RecordPath(dir, id), rec); err != nil {
			t.Fatalf("ошибка записи %s: %v", id, err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "not-attr.txt"), []byte("data"), 0o640)
	_ = os.WriteFile(filepath.Join(dir, "broken"+AttrSuffix), []byte("broken"), 0o640)

	results, err := ScanDir(dir, nil)
	if err != nil {
		t.Fatalf("ошибка сканирования: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("ожидалось 3 записи, получено %d", len(results))
	}
}

// TestScanDir_EmptyDir проверяет сканирование пустой директории.
func TestScanDir_EmptyDir(t *testing.T) {
	results, err := ScanDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("ошибка сканирования: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("ожидалось 0 записей, получено %d", len(results))
	}
}

// TestWrite_TooLargeAttr проверяет отклонение слишком больших attr.json.
func TestWrite_TooLargeAttr(t *testing.T) {
	rec := testRecord()
	rec.OriginalFilename = strings.Repeat("A", 5000)

	if err := Write(filepath.Join(t.TempDir(), "large.attr.json"), rec); err == nil {
		t.Error("ожидалась ошибка для слишком большого attr.json")
	}
}
