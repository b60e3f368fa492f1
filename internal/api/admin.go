package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"electionportal/internal/middleware"
	"electionportal/internal/models"
	"electionportal/internal/service"
	"electionportal/internal/store"
	"electionportal/internal/util"
)

// requireStepUp enforces a fresh second-factor proof for the given action.
// The code rides in the X-Step-Up-Code header so a live grant lets repeat
// calls within the TTL through without one.
func (h *Handlers) requireStepUp(w http.ResponseWriter, r *http.Request, actionType string) bool {
	u, _ := middleware.User(r.Context())
	sess, _ := middleware.Session(r.Context())
	code := r.Header.Get("X-Step-Up-Code")
	ok, _, err := h.svc.VerifyStepUp(r.Context(), u, sess, actionType, code)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCode) {
			util.WriteError(w, 403, "invalid_two_factor_code", "step-up code did not verify", middleware.RequestID(r.Context()))
			return false
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return false
	}
	if !ok {
		util.WriteError(w, 403, "step_up_required", "this action requires a two-factor code in X-Step-Up-Code", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func (h *Handlers) AdminListRegistrations(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	regs, err := h.svc.ListRegistrations(r.Context(), models.RegistrationQuery{
		Status: status,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	type dto struct {
		ID            string `json:"id"`
		UserID        string `json:"user_id"`
		StudentNumber string `json:"student_number"`
		Email         string `json:"email"`
		Course        string `json:"course"`
		YearLevel     int    `json:"year_level"`
		RegistryOK    bool   `json:"registry_ok"`
		Status        string `json:"status"`
	}
	out := make([]dto, 0, len(regs))
	for _, g := range regs {
		out = append(out, dto{
			ID:            g.ID,
			UserID:        g.UserID,
			StudentNumber: g.StudentNumber,
			Email:         g.Email,
			Course:        g.Course,
			YearLevel:     g.YearLevel,
			RegistryOK:    g.RegistryOK,
			Status:        g.Status,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out, "page": page, "page_size": pageSize})
}

func (h *Handlers) AdminApproveRegistration(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionApproveUser) {
		return
	}
	actor, _ := middleware.User(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.svc.ApproveRegistration(r.Context(), actor.ID, id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.WriteError(w, 409, "already_decided", "registration has already been decided", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "registration not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "approve_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "approved"})
}

func (h *Handlers) AdminRejectRegistration(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionApproveUser) {
		return
	}
	actor, _ := middleware.User(r.Context())
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.svc.RejectRegistration(r.Context(), actor.ID, id, req.Reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.WriteError(w, 409, "already_decided", "registration has already been decided", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "registration not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "reject_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "rejected"})
}

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	users, err := h.svc.ListUsers(r.Context(), models.UserQuery{
		Status: r.URL.Query().Get("status"),
		Role:   r.URL.Query().Get("role"),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	type dto struct {
		ID            string            `json:"id"`
		StudentNumber string            `json:"student_number"`
		Email         string            `json:"email"`
		FullName      string            `json:"full_name"`
		Course        string            `json:"course"`
		YearLevel     int               `json:"year_level"`
		Role          string            `json:"role"`
		Status        models.UserStatus `json:"status"`
	}
	out := make([]dto, 0, len(users))
	for _, u := range users {
		out = append(out, dto{
			ID:            u.ID,
			StudentNumber: u.StudentNumber,
			Email:         u.Email,
			FullName:      u.FullName,
			Course:        u.Course,
			YearLevel:     u.YearLevel,
			Role:          u.Role,
			Status:        u.Status,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out, "page": page, "page_size": pageSize})
}

func (h *Handlers) AdminUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionUpdateUserRole) {
		return
	}
	actor, _ := middleware.User(r.Context())
	id := chi.URLParam(r, "id")
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.UpdateUserRole(r.Context(), actor.ID, id, req.Role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "user not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "role_change_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) AdminSuspendUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionSuspendUser) {
		return
	}
	actor, _ := middleware.User(r.Context())
	if err := h.svc.SuspendUser(r.Context(), actor.ID, chi.URLParam(r, "id")); err != nil {
		util.WriteError(w, 400, "suspend_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "suspended"})
}

func (h *Handlers) AdminUnsuspendUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.User(r.Context())
	if err := h.svc.UnsuspendUser(r.Context(), actor.ID, chi.URLParam(r, "id")); err != nil {
		util.WriteError(w, 400, "unsuspend_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "unsuspended"})
}

func (h *Handlers) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	entries, err := h.svc.ListAudit(r.Context(), models.AuditQuery{
		Action: r.URL.Query().Get("action"),
		Actor:  r.URL.Query().Get("actor"),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": entries, "page": page, "page_size": pageSize})
}

func (h *Handlers) AdminCreateElection(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.User(r.Context())
	var in service.ElectionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	e, err := h.svc.CreateElection(r.Context(), actor.ID, in)
	if err != nil {
		util.WriteError(w, 400, "create_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, toElectionDTO(e, e.CreatedAt))
}

func (h *Handlers) AdminAddPosition(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.User(r.Context())
	var in service.PositionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	p, err := h.svc.AddPosition(r.Context(), actor.ID, chi.URLParam(r, "id"), in)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, service.ErrBallotFrozen) {
			util.WriteError(w, 409, "ballot_frozen", "the ballot cannot change once voting has started", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "create_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]any{"id": p.ID, "title": p.Title, "display_order": p.DisplayOrder})
}

func (h *Handlers) AdminAddCandidate(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.User(r.Context())
	var in service.CandidateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	c, err := h.svc.AddCandidate(r.Context(), actor.ID, chi.URLParam(r, "id"), chi.URLParam(r, "positionID"), in)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "election or position not found", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, service.ErrBallotFrozen) {
			util.WriteError(w, 409, "ballot_frozen", "the ballot cannot change once voting has started", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "create_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]any{"id": c.ID, "full_name": c.FullName, "platform": c.Platform})
}

func (h *Handlers) AdminSetResultsVisibility(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionToggleResults) {
		return
	}
	actor, _ := middleware.User(r.Context())
	var req struct {
		Visible bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.SetResultsVisibility(r.Context(), actor.ID, chi.URLParam(r, "id"), req.Visible); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "visibility_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) AdminDeleteElection(w http.ResponseWriter, r *http.Request) {
	if !h.requireStepUp(w, r, models.ActionDeleteElection) {
		return
	}
	actor, _ := middleware.User(r.Context())
	if err := h.svc.DeleteElection(r.Context(), actor.ID, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "delete_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}
