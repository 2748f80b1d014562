// Пакет model: доменные модели Media Element.
// MediaRecord: метаданные сохранённого медиа-файла. Используется
// как in-memory представление, как формат attr.json и как строка
// таблицы media_records в PostgreSQL.
package model

import (
	"path"
	"strings"
	"time"
)

// MIME-типы, для которых у ядра есть специальная обработка.
const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimeTIFF = "image/tiff"
	MimeWebP = "image/webp"
)

// MediaRecord: метаданные медиа-файла.
type MediaRecord struct {
	// ID: идентификатор записи (UUID v4). Пустой до первого Flush.
	ID string `json:"id"`

	// MediaType: MIME-тип текущего сохранённого представления
	// (после PDF → JPEG здесь будет image/jpeg)
	MediaType string `json:"media_type"`

	// ContentHash: SHA-256 (hex) текущего сохранённого представления.
	// После PDF → JPEG здесь хэш JPEG.
	ContentHash string `json:"content_hash"`

	// SourceHash: SHA-256 (hex) принятых байтов, ключ дедупликации.
	// Не меняется при нормализации.
	SourceHash string `json:"source_hash,omitempty"`

	// StoredPath: путь относительно storage root, {a/b/c/d}/{hash}.{ext}.
	// Для удалённых ссылок: абсолютный http(s) URL.
	StoredPath string `json:"stored_path"`

	// Width, Height: размеры мастера, если это изображение
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// OriginalFilename: путь исходного представления, заменённого
	// нормализацией (например, исходный PDF). Пустой, если замены не было.
	OriginalFilename string `json:"original_filename,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsPersisted возвращает true, если запись уже получила ID от хранилища записей.
func (m *MediaRecord) IsPersisted() bool {
	return m.ID != ""
}

// IsDeleted проверяет мягкое удаление.
func (m *MediaRecord) IsDeleted() bool {
	return m.DeletedAt != nil
}

// IsRemote проверяет, что запись ссылается на удалённый URL, а не на локальный файл.
func (m *MediaRecord) IsRemote() bool {
	return IsRemoteRef(m.StoredPath)
}

// NeedsConversion возвращает true для записей, чьё представление
// ещё не преобразовано в изображение (PDF).
func (m *MediaRecord) NeedsConversion() bool {
	return m.MediaType == MimePDF
}

// IntakeHash возвращает ключ дедупликации записи. Для записей без
// SourceHash ключ восстанавливается из имени исходного PDF
// ({hash}.pdf в OriginalFilename) или совпадает с ContentHash.
func (m *MediaRecord) IntakeHash() string {
	if m.SourceHash != "" {
		return m.SourceHash
	}
	if name := path.Base(m.OriginalFilename); strings.HasSuffix(name, ".pdf") {
		if h := strings.TrimSuffix(name, ".pdf"); isHexHash(h) {
			return h
		}
	}
	return m.ContentHash
}

// MatchesHash проверяет, относится ли hash к записи: как ключ
// дедупликации или как хэш текущего представления.
func (m *MediaRecord) MatchesHash(hash string) bool {
	return hash != "" && (m.IntakeHash() == hash || m.ContentHash == hash)
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// Clone возвращает независимую копию записи.
func (m *MediaRecord) Clone() *MediaRecord {
	copied := *m
	if m.DeletedAt != nil {
		deletedAt := *m.DeletedAt
		copied.DeletedAt = &deletedAt
	}
	return &copied
}

// IsRemoteRef проверяет, начинается ли ссылка со схемы URL (http://, https://, ...).
func IsRemoteRef(ref string) bool {
	idx := strings.Index(ref, "://")
	if idx <= 0 {
		return false
	}
	for _, r := range ref[:idx] {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}
