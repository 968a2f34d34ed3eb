package rules

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

// Handler manages rule authoring endpoints.
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

// MountRoutes registers rule routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Group(func(r chi.Router) {
		r.Use(h.admin)
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/test", h.test)
	})
}

type restrictionsPayload struct {
	Days      []int `json:"days" validate:"required,min=1,dive,gte=0,lte=6"`
	StartHour int   `json:"startHour" validate:"gte=0,lte=24"`
	EndHour   int   `json:"endHour" validate:"gte=0,lte=24"`
}

func (p *restrictionsPayload) toDomain() *TimeRestrictions {
	if p == nil {
		return nil
	}
	days := make([]time.Weekday, 0, len(p.Days))
	for _, d := range p.Days {
		days = append(days, time.Weekday(d))
	}
	return &TimeRestrictions{Days: days, StartHour: p.StartHour, EndHour: p.EndHour}
}

func restrictionsResponse(t *TimeRestrictions) *restrictionsPayload {
	if t == nil {
		return nil
	}
	days := make([]int, 0, len(t.Days))
	for _, d := range t.Days {
		days = append(days, int(d))
	}
	return &restrictionsPayload{Days: days, StartHour: t.StartHour, EndHour: t.EndHour}
}

type ruleResponse struct {
	ID                string               `json:"id"`
	Pattern           string               `json:"pattern"`
	Action            string               `json:"action"`
	Priority          int                  `json:"priority"`
	ApprovalThreshold int                  `json:"approvalThreshold"`
	TimeRestrictions  *restrictionsPayload `json:"timeRestrictions"`
	CreatedAt         time.Time            `json:"createdAt"`
	CreatedBy         *createdByBlock      `json:"createdBy,omitempty"`
}

type createdByBlock struct {
	Name string `json:"name"`
}

func toResponse(r Rule) ruleResponse {
	resp := ruleResponse{
		ID:                r.ID,
		Pattern:           r.Pattern,
		Action:            string(r.Action),
		Priority:          r.Priority,
		ApprovalThreshold: r.ApprovalThreshold,
		TimeRestrictions:  restrictionsResponse(r.TimeRestrictions),
		CreatedAt:         r.CreatedAt,
	}
	if r.CreatedByName != "" {
		resp.CreatedBy = &createdByBlock{Name: r.CreatedByName}
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.List(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	result := make([]ruleResponse, 0, len(all))
	for _, rule := range all {
		result = append(result, toResponse(rule))
	}
	httpx.JSON(w, http.StatusOK, result)
}

type createRequest struct {
	Pattern           string               `json:"pattern" validate:"required"`
	Action            string               `json:"action" validate:"required,oneof=AUTO_ACCEPT AUTO_REJECT REQUIRE_APPROVAL"`
	Priority          int                  `json:"priority"`
	ApprovalThreshold int                  `json:"approvalThreshold" validate:"omitempty,gte=1"`
	TimeRestrictions  *restrictionsPayload `json:"timeRestrictions"`
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
	rule, err := h.service.Create(r.Context(), identity.UserID, CreateInput{
		Pattern:           req.Pattern,
		Action:            Action(req.Action),
		Priority:          req.Priority,
		ApprovalThreshold: req.ApprovalThreshold,
		TimeRestrictions:  req.TimeRestrictions.toDomain(),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(rule))
}

type updateRequest struct {
	Pattern           *string              `json:"pattern" validate:"omitempty,min=1"`
	Action            *string              `json:"action" validate:"omitempty,oneof=AUTO_ACCEPT AUTO_REJECT REQUIRE_APPROVAL"`
	Priority          *int                 `json:"priority"`
	ApprovalThreshold *int                 `json:"approvalThreshold" validate:"omitempty,gte=1"`
	TimeRestrictions  *restrictionsPayload `json:"timeRestrictions"`
	ClearRestrictions bool                 `json:"clearTimeRestrictions"`
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
	input := UpdateInput{
		Pattern:           req.Pattern,
		Priority:          req.Priority,
		ApprovalThreshold: req.ApprovalThreshold,
		TimeRestrictions:  req.TimeRestrictions.toDomain(),
		ClearRestrictions: req.ClearRestrictions,
	}
	if req.Action != nil {
		action := Action(*req.Action)
		input.Action = &action
	}
	rule, err := h.service.Update(r.Context(), identity.UserID, chi.URLParam(r, "id"), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(rule))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	identity, _ := shared.IdentityFromContext(r.Context())
	if err := h.service.Delete(r.Context(), identity.UserID, chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "rule deleted"})
}

type testRequest struct {
	Pattern     string `json:"pattern" validate:"required"`
	TestCommand string `json:"testCommand" validate:"required"`
}

func (h *Handler) test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	matches, err := h.service.TestPattern(req.Pattern, req.TestCommand)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"matches": matches})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	default:
		h.logger.Error("rules handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
