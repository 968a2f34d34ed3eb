package users

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unbound-ops/unbound/internal/platform/httpx"
	"github.com/unbound-ops/unbound/internal/shared"
)

// Handler manages account endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	admin     func(http.Handler) http.Handler
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, admin func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, service: service, admin: admin, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Group(func(r chi.Router) {
		r.Use(h.admin)
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/credits", h.addCredits)
	})
}

type userResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Tier      string     `json:"tier"`
	Credits   int64      `json:"credits"`
	CreatedAt time.Time  `json:"createdAt"`
	Count     countBlock `json:"_count"`
}

type countBlock struct {
	Commands int `json:"commands"`
}

func toResponse(u User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Role:      string(u.Role),
		Tier:      string(u.Tier),
		Credits:   u.Credits,
		CreatedAt: u.CreatedAt,
		Count:     countBlock{Commands: u.CommandCount},
	}
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	user, err := h.service.Get(r.Context(), identity.UserID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(user))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.List(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	result := make([]userResponse, 0, len(all))
	for _, u := range all {
		result = append(result, toResponse(u))
	}
	httpx.JSON(w, http.StatusOK, result)
}

type createRequest struct {
	Name    string `json:"name" validate:"required,max=120"`
	Role    string `json:"role" validate:"omitempty,oneof=admin member"`
	Tier    string `json:"tier" validate:"omitempty,oneof=junior senior lead"`
	Credits *int64 `json:"credits" validate:"omitempty,gte=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	identity, _ := shared.IdentityFromContext(r.Context())
	input := CreateInput{Name: req.Name, Role: shared.Role(req.Role), Tier: shared.Tier(req.Tier), Credits: 100}
	if req.Credits != nil {
		input.Credits = *req.Credits
	}
	result, err := h.service.Create(r.Context(), identity.UserID, input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	resp := struct {
		userResponse
		APIKey string `json:"apiKey"`
	}{toResponse(result.User), result.APIKey}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"user":    resp,
		"message": "store this api key now, it will not be shown again",
	})
}

type updateRequest struct {
	Name *string `json:"name" validate:"omitempty,min=1,max=120"`
	Role *string `json:"role" validate:"omitempty,oneof=admin member"`
	Tier *string `json:"tier" validate:"omitempty,oneof=junior senior lead"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	identity, _ := shared.IdentityFromContext(r.Context())
	input := UpdateInput{Name: req.Name}
	if req.Role != nil {
		role := shared.Role(*req.Role)
		input.Role = &role
	}
	if req.Tier != nil {
		tier := shared.Tier(*req.Tier)
		input.Tier = &tier
	}
	user, err := h.service.Update(r.Context(), identity.UserID, chi.URLParam(r, "id"), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(user))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	identity, _ := shared.IdentityFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if id == identity.UserID {
		httpx.RespondError(w, fmt.Errorf("%w: cannot delete own account", httpx.ErrValidation))
		return
	}
	if err := h.service.Delete(r.Context(), identity.UserID, id); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

type creditsRequest struct {
	Amount int64 `json:"amount" validate:"required"`
}

func (h *Handler) addCredits(w http.ResponseWriter, r *http.Request) {
	var req creditsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	identity, _ := shared.IdentityFromContext(r.Context())
	user, err := h.service.AddCredits(r.Context(), identity.UserID, chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(user))
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrDuplicateName):
		httpx.RespondError(w, httpx.ErrDuplicate)
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, ErrInsufficientCredits):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
	default:
		h.logger.Error("users handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
