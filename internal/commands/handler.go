package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unbound-ops/unbound/internal/platform/httpx"
	"github.com/unbound-ops/unbound/internal/shared"
)

// Handler manages command submission and approval endpoints.
type Handler struct {
	logger      *slog.Logger
	governor    *Governor
	coordinator *Coordinator
	admin       func(http.Handler) http.Handler
	validator   *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, governor *Governor, coordinator *Coordinator, admin func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:      logger,
		governor:    governor,
		coordinator: coordinator,
		admin:       admin,
		validator:   validator.New(),
	}
}

// MountRoutes registers command routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.submit)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/resubmit", h.resubmit)
	r.Group(func(r chi.Router) {
		r.Use(h.admin)
		r.Get("/pending/approvals", h.pending)
		r.Post("/{id}/approve", h.approve)
	})
}

type commandResponse struct {
	ID          string             `json:"id"`
	CommandText string             `json:"commandText"`
	Status      string             `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ExecutedAt  *time.Time         `json:"executedAt"`
	User        *submitterBlock    `json:"user,omitempty"`
	MatchedRule *matchedRuleBlock  `json:"matchedRule,omitempty"`
	Approvals   []approvalResponse `json:"approvals"`
}

type submitterBlock struct {
	Name string `json:"name"`
	Tier string `json:"tier,omitempty"`
}

type matchedRuleBlock struct {
	Pattern           string `json:"pattern"`
	Action            string `json:"action"`
	ApprovalThreshold int    `json:"approvalThreshold,omitempty"`
}

type approvalResponse struct {
	Decision string        `json:"decision"`
	Approver approverBlock `json:"approver"`
}

type approverBlock struct {
	Name string `json:"name"`
}

func toResponse(cmd Command) commandResponse {
	resp := commandResponse{
		ID:          cmd.ID,
		CommandText: cmd.Text,
		Status:      string(cmd.Status),
		Reason:      cmd.Reason,
		CreatedAt:   cmd.CreatedAt,
		ExecutedAt:  cmd.ExecutedAt,
		Approvals:   make([]approvalResponse, 0, len(cmd.Approvals)),
	}
	if cmd.UserName != "" {
		resp.User = &submitterBlock{Name: cmd.UserName, Tier: cmd.UserTier}
	}
	if cmd.MatchedRuleID != "" {
		resp.MatchedRule = &matchedRuleBlock{
			Pattern:           cmd.RulePattern,
			Action:            cmd.RuleAction,
			ApprovalThreshold: cmd.Threshold,
		}
	}
	for _, a := range cmd.Approvals {
		resp.Approvals = append(resp.Approvals, approvalResponse{
			Decision: string(a.Decision),
			Approver: approverBlock{Name: a.ApproverName},
		})
	}
	return resp
}

type submitRequest struct {
	CommandText string `json:"command_text" validate:"required,max=2000"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	identity, _ := shared.IdentityFromContext(r.Context())
	result, err := h.governor.Submit(r.Context(), identity.UserID, req.CommandText)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, submitResponse(result))
}

func submitResponse(result SubmitResult) map[string]any {
	resp := map[string]any{
		"id":      result.Command.ID,
		"status":  string(result.Command.Status),
		"message": result.Message,
	}
	if result.Command.Reason != "" {
		resp["reason"] = result.Command.Reason
	}
	if result.NewBalance != nil {
		resp["new_balance"] = *result.NewBalance
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	identity, _ := shared.IdentityFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	result, total, err := h.governor.List(r.Context(), identity, limit, offset)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	list := make([]commandResponse, 0, len(result))
	for _, cmd := range result {
		list = append(list, toResponse(cmd))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"commands": list, "total": total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	identity, _ := shared.IdentityFromContext(r.Context())
	cmd, err := h.governor.Get(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(cmd))
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	awaiting, err := h.governor.ListAwaiting(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	list := make([]commandResponse, 0, len(awaiting))
	for _, cmd := range awaiting {
		list = append(list, toResponse(cmd))
	}
	httpx.JSON(w, http.StatusOK, list)
}

type approveRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	identity, _ := shared.IdentityFromContext(r.Context())
	outcome, err := h.coordinator.RecordDecision(r.Context(), identity, chi.URLParam(r, "id"), Decision(req.Decision))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	resp := map[string]any{
		"success":       true,
		"commandStatus": string(outcome.Status),
		"message":       outcome.Message,
	}
	if outcome.NewBalance != nil {
		resp["newBalance"] = *outcome.NewBalance
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	identity, _ := shared.IdentityFromContext(r.Context())
	result, err := h.governor.Resubmit(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, submitResponse(result))
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, shared.ErrForbidden):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, ErrNotAwaitingApproval):
		httpx.RespondError(w, fmt.Errorf("%w: command is not awaiting approval", httpx.ErrConflict))
	case errors.Is(err, ErrDuplicateApprover):
		httpx.RespondError(w, fmt.Errorf("%w: decision already recorded for this approver", httpx.ErrConflict))
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	default:
		h.logger.Error("commands handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
