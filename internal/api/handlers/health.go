// health.go: обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/media-element/internal/config"
)

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// ReadinessChecker: проверка готовности хранилища записей
// (индекс attr.json или пул PostgreSQL).
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version string
	// storageDir: корень мастер-файлов
	storageDir string
	// cacheDir: каталог рендишнов
	cacheDir string
	// records: готовность хранилища записей
	records ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(storageDir, cacheDir string, records ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		storageDir: storageDir,
		cacheDir:   cacheDir,
		records:    records,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "media-element",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет запись в хранилище и кэш, готовность хранилища записей.
// Недоступный кэш переводит статус в degraded: мастер-файлы отдаются и без него.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := statusOK
	httpStatus := http.StatusOK

	storageCheck := checkWritable(h.storageDir, "Хранилище")
	if storageCheck["status"] != statusOK {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	cacheCheck := checkWritable(h.cacheDir, "Кэш рендишнов")
	if cacheCheck["status"] != statusOK && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	recordsCheck := map[string]any{"status": statusOK, "message": "Проверка не настроена"}
	if h.records != nil {
		status, message := h.records.CheckReady()
		recordsCheck = map[string]any{"status": status, "message": message}
		if status != statusOK {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "media-element",
		"checks": map[string]any{
			"storage": storageCheck,
			"cache":   cacheCheck,
			"records": recordsCheck,
		},
	})
}

// checkWritable проверяет, что в dir можно создать файл.
func checkWritable(dir, title string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  statusOK,
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": title + " недоступно для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": statusOK,
	}
}
