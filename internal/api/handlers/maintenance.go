// maintenance.go — обработчики управления очисткой:
// POST /api/v1/maintenance/cleanup, GET /api/v1/maintenance/cleanup.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/promptarchive/internal/api/errors"
	"github.com/bigkaa/promptarchive/internal/service"
)

// CleanupRunner — интерфейс планировщика удержания для handler'а.
// Позволяет тестировать handler без полного RetentionService.
type CleanupRunner interface {
	// RunNow выполняет один цикл очистки немедленно.
	RunNow() (*service.CleanupResult, error)
	// Status возвращает текущее состояние планировщика.
	Status() service.RetentionStatus
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	retention CleanupRunner
	logger    *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(retention CleanupRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		retention: retention,
		logger:    logger.With(slog.String("component", "maintenance_handler")),
	}
}

// RunCleanup обрабатывает POST /api/v1/maintenance/cleanup.
// Запускает синхронный цикл очистки и возвращает результат.
// Если очистка уже выполняется — 409 CLEANUP_IN_PROGRESS.
func (h *MaintenanceHandler) RunCleanup(w http.ResponseWriter, _ *http.Request) {
	result, err := h.retention.RunNow()
	if err != nil {
		if errors.Is(err, service.ErrCleanupInProgress) {
			apierrors.CleanupInProgress(w, "Очистка уже выполняется")
			return
		}
		h.logger.Error("Ошибка ручной очистки",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка выполнения очистки")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CleanupStatus обрабатывает GET /api/v1/maintenance/cleanup.
// Возвращает состояние планировщика удержания.
func (h *MaintenanceHandler) CleanupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.retention.Status())
}
