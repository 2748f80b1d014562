// handler.go: APIHandler собирает доменные handlers и монтирует
// их маршруты в chi.Router.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIHandler: единая точка регистрации всех endpoints API.
type APIHandler struct {
	media       *MediaHandler
	system      *SystemHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
	openapi     *OpenAPIHandler
	metrics     http.Handler
}

// NewAPIHandler создаёт handler для всех endpoints.
// metrics: обработчик /metrics (promhttp).
func NewAPIHandler(
	media *MediaHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
	openapi *OpenAPIHandler,
	metrics http.Handler,
) *APIHandler {
	return &APIHandler{
		media:       media,
		system:      system,
		maintenance: maintenance,
		health:      health,
		openapi:     openapi,
		metrics:     metrics,
	}
}

// Register монтирует маршруты в router.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Method(http.MethodGet, "/metrics", h.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.system.GetInfo)
		r.Get("/openapi.json", h.openapi.GetOpenAPI)
		r.Get("/image", h.media.GetImage)
		r.Post("/maintenance/reconcile", h.maintenance.Reconcile)

		r.Route("/media", func(r chi.Router) {
			r.Get("/", h.media.ListMedia)
			r.Post("/", h.media.UploadMedia)
			r.Get("/{id}", h.media.GetMedia)
			r.Delete("/{id}", h.media.DeleteMedia)
			r.Get("/{id}/original", h.media.DownloadOriginal)
			r.Get("/{id}/rendition", h.media.GetRendition)
		})
	})
}
