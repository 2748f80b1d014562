// metrics.go: Prometheus HTTP метрики Media Element.
// Регистрирует ms_http_requests_total и ms_http_request_duration_seconds.
// Метрики intake, конвертации и кэша регистрируются в пакетах service и rendition.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const mediaPrefix = "/api/v1/media/"

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_http_requests_total",
			Help: "Общее количество HTTP-запросов к Media Element",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Media Element в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordsTotal: текущее количество записей, обновляется обработчиком /api/v1/info.
var RecordsTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "ms_records_total",
		Help: "Текущее количество медиа-записей",
	},
)

// MetricsMiddleware собирает количество и длительность запросов.
// cacheDirname: web-префикс кэша рендишнов, его пути сворачиваются в один лейбл.
func MetricsMiddleware(cacheDirname string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path, cacheDirname)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter: обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath сворачивает UUID и ключи кэша в шаблоны,
// чтобы кардинальность лейбла path не росла.
// /api/v1/media/a1b2c3d4-e5f6-7890-abcd-ef1234567890/rendition → /api/v1/media/{id}/rendition
func normalizePath(path, cacheDirname string) string {
	if cacheDirname != "" && strings.HasPrefix(path, "/"+cacheDirname+"/") {
		return "/" + cacheDirname + "/{key}"
	}
	if !isUUIDSegment(path, mediaPrefix) {
		return path
	}
	switch suffix := path[len(mediaPrefix)+36:]; suffix {
	case "":
		return "/api/v1/media/{id}"
	case "/original", "/rendition":
		return "/api/v1/media/{id}" + suffix
	}
	return "/api/v1/media/{id}/unknown"
}

// isUUIDSegment проверяет, начинается ли сегмент пути после prefix с UUID.
func isUUIDSegment(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) || len(path) < len(prefix)+36 {
		return false
	}
	segment := path[len(prefix) : len(prefix)+36]
	for i, c := range segment {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
