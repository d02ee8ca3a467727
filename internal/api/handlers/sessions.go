// sessions.go — обработчики чтения архива:
// GET /api/v1/sessions, GET /api/v1/sessions/{session_id}.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/promptarchive/internal/api/errors"
	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/service"
)

// SessionsHandler — обработчик endpoints чтения сессий.
type SessionsHandler struct {
	query  *service.QueryService
	logger *slog.Logger
}

// NewSessionsHandler создаёт обработчик endpoints сессий.
func NewSessionsHandler(query *service.QueryService, logger *slog.Logger) *SessionsHandler {
	return &SessionsHandler{
		query:  query,
		logger: logger.With(slog.String("component", "sessions_handler")),
	}
}

// sessionListResponse — тело ответа GET /api/v1/sessions.
type sessionListResponse struct {
	Sessions []model.SessionSummary `json:"sessions"`
	Total    int                    `json:"total"`
}

// sessionDetailResponse — тело ответа GET /api/v1/sessions/{session_id}.
type sessionDetailResponse struct {
	SessionID string                 `json:"session_id"`
	Records   []model.ArchivedRecord `json:"records"`
	Total     int                    `json:"total"`
}

// ListSessions обрабатывает GET /api/v1/sessions.
// Возвращает сводки всех сессий, новые первыми.
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := h.query.ListSessions()
	if err != nil {
		h.logger.Error("Ошибка получения списка сессий",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения архива")
		return
	}

	if sessions == nil {
		sessions = []model.SessionSummary{}
	}

	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession обрабатывает GET /api/v1/sessions/{session_id}.
// Возвращает записи сессии, старые первыми.
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		apierrors.ValidationError(w, "Не указан идентификатор сессии")
		return
	}

	records, err := h.query.SessionDetail(sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			apierrors.NotFound(w, "Сессия не найдена: "+sessionID)
			return
		}
		h.logger.Error("Ошибка получения сессии",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения архива")
		return
	}

	writeJSON(w, http.StatusOK, sessionDetailResponse{
		SessionID: sessionID,
		Records:   records,
		Total:     len(records),
	})
}

// writeJSON сериализует тело ответа с указанным статус-кодом.
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
