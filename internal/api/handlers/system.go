// system.go: обработчик GET /api/v1/info (информация о Media Element).
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/media-element/internal/api/errors"
	"github.com/bigkaa/goartstore/media-element/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-element/internal/config"
	"github.com/bigkaa/goartstore/media-element/internal/service"
)

// DiskUsageFunc возвращает ёмкость файловой системы в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// CapacityInfo: ёмкость хранилища.
type CapacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// MediaInfo: ответ /api/v1/info.
type MediaInfo struct {
	Version        string        `json:"version"`
	EntityClass    string        `json:"entity_class"`
	ThrowException bool          `json:"throw_exception"`
	StorageDepth   int           `json:"storage_depth"`
	CacheDirname   string        `json:"cache_dirname"`
	MaxWidth       int           `json:"max_width"`
	MaxHeight      int           `json:"max_height"`
	Quality        int           `json:"quality"`
	RecordsTotal   int           `json:"records_total"`
	Capacity       *CapacityInfo `json:"capacity,omitempty"`
}

// SystemHandler: обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	media     *service.MediaService
	diskUsage DiskUsageFunc
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil: тогда ёмкость не выводится.
func NewSystemHandler(cfg *config.Config, media *service.MediaService, diskUsage DiskUsageFunc, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		media:     media,
		diskUsage: diskUsage,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	count, err := h.media.Count(r.Context())
	if err != nil {
		h.logger.Error("Ошибка подсчёта записей", slog.String("error", err.Error()))
		errors.FromDomain(w, err)
		return
	}
	middleware.RecordsTotal.Set(float64(count))

	resp := MediaInfo{
		Version:        config.Version,
		EntityClass:    h.cfg.EntityClass,
		ThrowException: h.cfg.ThrowException,
		StorageDepth:   h.cfg.StorageDepth,
		CacheDirname:   h.cfg.CacheDirname,
		MaxWidth:       h.cfg.ConverterMaxWidth,
		MaxHeight:      h.cfg.ConverterMaxHeight,
		Quality:        h.cfg.ConverterQuality,
		RecordsTotal:   count,
	}

	if h.diskUsage != nil {
		total, used, available, err := h.diskUsage()
		if err != nil {
			h.logger.Warn("Ошибка получения ёмкости диска", slog.String("error", err.Error()))
		} else {
			resp.Capacity = &CapacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
