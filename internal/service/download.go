// download.go: отдача мастер-файлов и рендишнов клиенту.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
)

// downloadsTotal: отданные файлы по типу (original, rendition) и результату.
var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ms_downloads_total",
	Help: "Количество отданных файлов по типу и результату",
}, []string{"kind", "result"})

// DownloadService отдаёт файлы через http.ServeContent.
type DownloadService struct {
	store  *filestore.FileStore
	logger *slog.Logger
}

// NewDownloadService создаёт сервис отдачи файлов.
func NewDownloadService(store *filestore.FileStore, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		store:  store,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// ServeOriginal отдаёт сохранённое представление записи.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (s *DownloadService) ServeOriginal(w http.ResponseWriter, r *http.Request, rec *model.MediaRecord) error {
	if rec.IsDeleted() {
		return fmt.Errorf("%w: %s", model.ErrRecordNotFound, rec.ID)
	}

	file, err := s.store.Open(rec.StoredPath)
	if err != nil {
		downloadsTotal.WithLabelValues("original", "error").Inc()
		s.logger.Error("Мастер-файл не найден на диске",
			slog.String("id", rec.ID),
			slog.String("stored_path", rec.StoredPath),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer file.Close()

	name := path.Base(rec.StoredPath)
	if err := s.serve(w, r, file, name, rec.MediaType, rec.ContentHash); err != nil {
		downloadsTotal.WithLabelValues("original", "error").Inc()
		return err
	}
	downloadsTotal.WithLabelValues("original", "success").Inc()
	return nil
}

// ServeRendition отдаёт файл рендишна cacheFile.
// ETag равен ключу кэша, он однозначно определяет содержимое.
func (s *DownloadService) ServeRendition(w http.ResponseWriter, r *http.Request, cacheFile, mimeType, key string) error {
	file, err := os.Open(cacheFile)
	if err != nil {
		downloadsTotal.WithLabelValues("rendition", "error").Inc()
		return fmt.Errorf("%w: %s", model.ErrMasterUnavailable, cacheFile)
	}
	defer file.Close()

	if err := s.serve(w, r, file, path.Base(key), mimeType, key); err != nil {
		downloadsTotal.WithLabelValues("rendition", "error").Inc()
		return err
	}
	downloadsTotal.WithLabelValues("rendition", "success").Inc()
	return nil
}

func (s *DownloadService) serve(w http.ResponseWriter, r *http.Request, file *os.File, name, mimeType, etag string) error {
	stat, err := file.Stat()
	if err != nil {
		s.logger.Error("Ошибка получения stat файла",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("stat %s: %w", name, err)
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Header().Set("ETag", fmt.Sprintf("%q", etag))
	w.Header().Set("Accept-Ranges", "bytes")

	// ServeContent обрабатывает Range, If-None-Match, If-Modified-Since и Content-Length.
	http.ServeContent(w, r, name, stat.ModTime(), file)

	s.logger.Debug("Файл отдан",
		slog.String("name", name),
		slog.Int64("size", stat.Size()),
	)
	return nil
}
