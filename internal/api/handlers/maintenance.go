// maintenance.go: обработчик POST /api/v1/maintenance/reconcile.
package handlers

import (
	"context"
	"net/http"

	"github.com/bigkaa/goartstore/media-element/internal/api/errors"
	"github.com/bigkaa/goartstore/media-element/internal/service"
)

// ReconcileRunner запускает один цикл сверки записей.
type ReconcileRunner interface {
	// RunOnce возвращает результат и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool)
}

// MaintenanceHandler: обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	reconciler ReconcileRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reconciler ReconcileRunner) *MaintenanceHandler {
	return &MaintenanceHandler{reconciler: reconciler}
}

// Reconcile запускает синхронную сверку и возвращает результат.
// Если сверка уже выполняется: 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, inProgress := h.reconciler.RunOnce(r.Context())
	if inProgress {
		errors.WriteError(w, http.StatusConflict, errors.CodeReconcileInProgress, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
