package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unbound-ops/unbound/internal/platform/httpx"
)

// Handler exposes the audit viewer endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
}

type entryResponse struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"createdAt"`
	User      actorResponse  `json:"user"`
}

type actorResponse struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	result, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list audit entries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	logs := make([]entryResponse, 0, len(result.Entries))
	for _, e := range result.Entries {
		logs = append(logs, entryResponse{
			ID:        e.ID,
			Action:    string(e.Action),
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
			User:      actorResponse{Name: e.ActorName, Role: e.ActorRole},
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"logs": logs, "total": result.Total})
}
