// media.go: HTTP handlers медиа-записей (приём, список, метаданные,
// удаление, отдача мастера и рендишна, помощник /api/v1/image).
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/bigkaa/goartstore/media-element/internal/api/errors"
	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	// multipartMemory: часть формы, которая держится в памяти; остальное уходит во временные файлы.
	multipartMemory = 32 << 20
)

// MediaResponse: представление записи в API.
type MediaResponse struct {
	ID               string     `json:"id"`
	MediaType        string     `json:"media_type"`
	ContentHash      string     `json:"content_hash"`
	StoredPath       string     `json:"stored_path"`
	Width            int        `json:"width,omitempty"`
	Height           int        `json:"height,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	OriginalURL      string     `json:"original_url"`
}

// MediaListResponse: страница записей.
type MediaListResponse struct {
	Items   []MediaResponse `json:"items"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}

// ImageResponse: ответ помощника /api/v1/image.
type ImageResponse struct {
	URL       string `json:"url"`
	CacheFile string `json:"cache_file"`
	MimeType  string `json:"mime_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Mode      string `json:"mode"`
	RecordID  string `json:"record_id,omitempty"`
}

// MediaHandler: обработчик endpoints медиа-записей.
type MediaHandler struct {
	media         *service.MediaService
	downloads     *service.DownloadService
	maxUploadSize int64
	logger        *slog.Logger
}

// NewMediaHandler создаёт обработчик медиа-записей.
func NewMediaHandler(
	media *service.MediaService,
	downloads *service.DownloadService,
	maxUploadSize int64,
	logger *slog.Logger,
) *MediaHandler {
	return &MediaHandler{
		media:         media,
		downloads:     downloads,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "media_handler")),
	}
}

// UploadMedia обрабатывает POST /api/v1/media.
// Multipart form: file (обязательно), allow_duplicate (опционально, по умолчанию true).
// 201: новая запись, 200: возвращена существующая.
func (h *MediaHandler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadSize {
		errors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			errors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxUploadSize))
			return
		}
		errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	allowDuplicate := true
	if raw := r.FormValue("allow_duplicate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errors.ValidationError(w, "Параметр allow_duplicate должен быть булевым")
			return
		}
		allowDuplicate = v
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		errors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	sourcePath, err := spool(file)
	if err != nil {
		h.logger.Error("Ошибка сохранения загрузки во временный файл", slog.String("error", err.Error()))
		errors.InternalError(w, "Ошибка приёма файла")
		return
	}
	defer os.Remove(sourcePath)

	sess := h.media.Begin()
	defer sess.Rollback(r.Context())

	result, err := h.media.Intake(r.Context(), sess, sourcePath, allowDuplicate)
	if err != nil {
		errors.FromDomain(w, err)
		return
	}

	status := http.StatusOK
	if !result.Duplicate {
		if err := h.media.Commit(r.Context(), sess); err != nil {
			errors.FromDomain(w, err)
			return
		}
		status = http.StatusCreated
	}

	writeJSON(w, status, toMediaResponse(result.Record))
}

// ListMedia обрабатывает GET /api/v1/media. Пагинация: limit, offset.
func (h *MediaHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	var limitParam, offsetParam *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limitParam); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный параметр limit: %s", err.Error()))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &offsetParam); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный параметр offset: %s", err.Error()))
		return
	}

	limit, offset := defaultListLimit, 0
	if limitParam != nil {
		limit = *limitParam
		if limit <= 0 || limit > maxListLimit {
			errors.ValidationError(w, fmt.Sprintf("Параметр limit должен быть от 1 до %d", maxListLimit))
			return
		}
	}
	if offsetParam != nil {
		offset = *offsetParam
		if offset < 0 {
			errors.ValidationError(w, "Параметр offset не может быть отрицательным")
			return
		}
	}

	records, total, err := h.media.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения списка записей", slog.String("error", err.Error()))
		errors.FromDomain(w, err)
		return
	}

	items := make([]MediaResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toMediaResponse(rec))
	}

	writeJSON(w, http.StatusOK, MediaListResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// GetMedia обрабатывает GET /api/v1/media/{id}.
func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.findRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toMediaResponse(rec))
}

// DeleteMedia обрабатывает DELETE /api/v1/media/{id} (мягкое удаление).
func (h *MediaHandler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := bindMediaID(w, r)
	if !ok {
		return
	}
	if err := h.media.Delete(r.Context(), id); err != nil {
		errors.FromDomain(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadOriginal обрабатывает GET /api/v1/media/{id}/original.
func (h *MediaHandler) DownloadOriginal(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.findRecord(w, r)
	if !ok {
		return
	}
	if err := h.downloads.ServeOriginal(w, r, rec); err != nil {
		errors.FromDomain(w, err)
	}
}

// GetRendition обрабатывает GET /api/v1/media/{id}/rendition?width=&height=.
// PDF-запись преобразуется при первом обращении, изменение сохраняется сразу.
func (h *MediaHandler) GetRendition(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.findRecord(w, r)
	if !ok {
		return
	}
	width, height, ok := bindSize(w, r)
	if !ok {
		return
	}

	sess := h.media.Begin()
	defer sess.Rollback(r.Context())

	res, err := h.media.EnsureRenderable(r.Context(), sess, rec, width, height)
	if err != nil {
		errors.FromDomain(w, err)
		return
	}
	if res.Converted {
		if err := h.media.Commit(r.Context(), sess); err != nil {
			errors.FromDomain(w, err)
			return
		}
	}

	cacheFile, err := res.Image.Render(r.Context())
	if err != nil {
		errors.FromDomain(w, err)
		return
	}
	if err := h.downloads.ServeRendition(w, r, cacheFile, res.Image.MimeType(), res.Image.Key()); err != nil {
		errors.FromDomain(w, err)
	}
}

// GetImage обрабатывает GET /api/v1/image?ref=&width=&height=.
// ref: ID записи или http(s) URL. 204: изображение недоступно
// и ошибка подавлена (throw_exception=false).
func (h *MediaHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	var ref string
	if err := runtime.BindQueryParameter("form", true, true, "ref", r.URL.Query(), &ref); err != nil {
		errors.ValidationError(w, "Параметр ref обязателен")
		return
	}
	width, height, ok := bindSize(w, r)
	if !ok {
		return
	}

	sess := h.media.Begin()
	defer sess.Rollback(r.Context())

	res, err := h.media.Image(r.Context(), sess, ref, width, height)
	if err != nil {
		errors.FromDomain(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if res.Converted {
		if err := h.media.Commit(r.Context(), sess); err != nil {
			errors.FromDomain(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, ImageResponse{
		URL:       res.Image.URL(),
		CacheFile: res.Image.CacheFile(),
		MimeType:  res.Image.MimeType(),
		Width:     res.Image.Width(),
		Height:    res.Image.Height(),
		Mode:      string(res.Image.Mode()),
		RecordID:  res.Record.ID,
	})
}

// findRecord извлекает {id} и ищет запись; при ошибке ответ уже записан.
func (h *MediaHandler) findRecord(w http.ResponseWriter, r *http.Request) (*model.MediaRecord, bool) {
	id, ok := bindMediaID(w, r)
	if !ok {
		return nil, false
	}
	rec, err := h.media.Find(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, model.ErrRecordNotFound) {
			errors.NotFound(w, fmt.Sprintf("Запись %s не найдена", id))
			return nil, false
		}
		errors.FromDomain(w, err)
		return nil, false
	}
	return rec, true
}

// bindMediaID разбирает path-параметр id как UUID.
func bindMediaID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный идентификатор записи: %s", err.Error()))
		return "", false
	}
	return id.String(), true
}

// bindSize разбирает width и height. Отсутствующий параметр: 0.
func bindSize(w http.ResponseWriter, r *http.Request) (width, height int, ok bool) {
	if err := runtime.BindQueryParameter("form", true, false, "width", r.URL.Query(), &width); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный параметр width: %s", err.Error()))
		return 0, 0, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "height", r.URL.Query(), &height); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный параметр height: %s", err.Error()))
		return 0, 0, false
	}
	return width, height, true
}

// spool копирует загруженный файл во временный файл и возвращает путь к нему.
func spool(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "ms-upload-*")
	if err != nil {
		return "", fmt.Errorf("создание временного файла: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("запись временного файла: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("закрытие временного файла: %w", err)
	}
	return tmp.Name(), nil
}

func toMediaResponse(rec *model.MediaRecord) MediaResponse {
	return MediaResponse{
		ID:               rec.ID,
		MediaType:        rec.MediaType,
		ContentHash:      rec.ContentHash,
		StoredPath:       rec.StoredPath,
		Width:            rec.Width,
		Height:           rec.Height,
		OriginalFilename: rec.OriginalFilename,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		DeletedAt:        rec.DeletedAt,
		OriginalURL:      "/api/v1/media/" + rec.ID + "/original",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
