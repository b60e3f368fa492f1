package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"electionportal/internal/config"
	"electionportal/internal/middleware"
	"electionportal/internal/models"
	"electionportal/internal/rate"
	"electionportal/internal/service"
	"electionportal/internal/store"
	"electionportal/internal/util"
)

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
}

func NewRouter(cfg config.Config, svc *service.Service) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token", "X-Step-Up-Code"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
			"components": map[string]any{},
		}
		comps := ready["components"].(map[string]any)

		ok := true
		if err := h.svc.Store().Ping(r.Context()); err != nil {
			ok = false
			comps["sqlite"] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			comps["sqlite"] = map[string]any{"ok": true}
		}
		if err := h.svc.Registry().Ping(r.Context()); err != nil {
			comps["registry"] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			comps["registry"] = map[string]any{"ok": true}
		}

		if ok {
			ready["status"] = "ready"
			util.WriteJSON(w, 200, ready)
			return
		}
		ready["status"] = "degraded"
		util.WriteJSON(w, 503, ready)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "register", 10, time.Minute, h.cfg.TrustProxy)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.limiter, "login", 20, time.Minute, h.cfg.TrustProxy)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Get("/elections", h.ListElections)
		r.Get("/elections/{id}", h.GetElection)
		r.Get("/elections/{id}/ballot", h.GetBallot)
		r.Get("/elections/{id}/results", h.GetResults)
		r.With(middleware.RateLimit(h.limiter, "receipt_verify", 30, time.Minute, h.cfg.TrustProxy)).Post("/receipts/verify", h.VerifyReceipt)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.cfg.SessionCookieName))
			r.Get("/me", h.Me)

			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
				r.Post("/elections/{id}/session", h.CreateVotingSession)
				r.With(middleware.RateLimit(h.limiter, "cast", 10, time.Minute, h.cfg.TrustProxy)).Post("/votes", h.CastVotes)

				r.Post("/2fa/setup", h.TwoFactorSetup)
				r.With(middleware.RateLimit(h.limiter, "2fa_verify", 15, time.Minute, h.cfg.TrustProxy)).Post("/2fa/enable", h.TwoFactorEnable)
				r.With(middleware.RateLimit(h.limiter, "2fa_verify", 15, time.Minute, h.cfg.TrustProxy)).Post("/2fa/verify", h.TwoFactorVerify)
				r.With(middleware.RateLimit(h.limiter, "2fa_verify", 15, time.Minute, h.cfg.TrustProxy)).Post("/2fa/disable", h.TwoFactorDisable)
				r.With(middleware.RateLimit(h.limiter, "stepup", 15, time.Minute, h.cfg.TrustProxy)).Post("/stepup/verify", h.StepUpVerify)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.StaffOrAdmin)
				r.Get("/registrations", h.AdminListRegistrations)
				r.Get("/users", h.AdminListUsers)
				r.Get("/audit-log", h.AdminAuditLog)
				r.Group(func(r chi.Router) {
					r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
					r.Post("/registrations/{id}/approve", h.AdminApproveRegistration)
					r.Post("/registrations/{id}/reject", h.AdminRejectRegistration)
				})
				r.Group(func(r chi.Router) {
					r.Use(middleware.AdminOnly)
					r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
					r.Post("/users/{id}/role", h.AdminUpdateUserRole)
					r.Post("/users/{id}/suspend", h.AdminSuspendUser)
					r.Post("/users/{id}/unsuspend", h.AdminUnsuspendUser)
					r.Post("/elections", h.AdminCreateElection)
					r.Post("/elections/{id}/positions", h.AdminAddPosition)
					r.Post("/elections/{id}/positions/{positionID}/candidates", h.AdminAddCandidate)
					r.Post("/elections/{id}/results-visibility", h.AdminSetResultsVisibility)
					r.Delete("/elections/{id}", h.AdminDeleteElection)
				})
			})
		})
	})

	return r
}

type registerRequest struct {
	StudentNumber string `json:"student_number"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	Course        string `json:"course"`
	YearLevel     int    `json:"year_level"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	err := h.svc.Register(r.Context(), service.RegisterRequest{
		StudentNumber: req.StudentNumber,
		Email:         req.Email,
		Password:      req.Password,
		FullName:      req.FullName,
		Course:        req.Course,
		YearLevel:     req.YearLevel,
	}, r.RemoteAddr, r.UserAgent())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.WriteError(w, 409, "already_registered", "student number or email already registered", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "register_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]string{"status": "pending_approval"})
}

type loginRequest struct {
	Login         string `json:"login"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	token, user, err := h.svc.Login(r.Context(), req.Login, req.Password, req.TwoFactorCode, middleware.ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	if err != nil {
		status := 401
		code := "invalid_credentials"
		switch {
		case errors.Is(err, service.ErrPendingApproval):
			status, code = 403, "pending_approval"
		case errors.Is(err, service.ErrSuspended):
			status, code = 403, "suspended"
		case errors.Is(err, service.ErrForbidden):
			status, code = 403, "forbidden"
		case errors.Is(err, service.ErrTwoFactorRequired):
			code = "two_factor_required"
		case errors.Is(err, service.ErrInvalidCode):
			code = "invalid_two_factor_code"
		}
		util.WriteError(w, status, code, err.Error(), middleware.RequestID(r.Context()))
		return
	}
	csrfToken := randomToken()
	h.setAuthCookies(w, token, csrfToken)
	util.WriteJSON(w, 200, map[string]string{
		"user_id":    user.ID,
		"email":      user.Email,
		"role":       user.Role,
		"csrf_token": csrfToken,
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Cookie(h.cfg.SessionCookieName)
	if c != nil && c.Value != "" {
		_ = h.svc.Logout(r.Context(), c.Value)
	}
	h.clearAuthCookies(w)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	twoFactor, _ := h.svc.TwoFactorEnabled(r.Context(), u.ID)
	util.WriteJSON(w, 200, map[string]any{
		"id":                 u.ID,
		"student_number":     u.StudentNumber,
		"email":              u.Email,
		"full_name":          u.FullName,
		"course":             u.Course,
		"year_level":         u.YearLevel,
		"role":               u.Role,
		"status":             u.Status,
		"two_factor_enabled": twoFactor,
	})
}

type electionDTO struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	EligibleCourse string                `json:"eligible_course"`
	Status         models.ElectionStatus `json:"status"`
	StartsAt       time.Time             `json:"starts_at"`
	EndsAt         time.Time             `json:"ends_at"`
	ResultsVisible bool                  `json:"results_visible"`
}

func toElectionDTO(e models.Election, now time.Time) electionDTO {
	return electionDTO{
		ID:             e.ID,
		Title:          e.Title,
		Description:    e.Description,
		EligibleCourse: e.EligibleCourse,
		Status:         e.EffectiveStatus(now),
		StartsAt:       e.StartsAt,
		EndsAt:         e.EndsAt,
		ResultsVisible: e.ResultsVisible,
	}
}

func (h *Handlers) ListElections(w http.ResponseWriter, r *http.Request) {
	elections, err := h.svc.ListElections(r.Context())
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	now := time.Now().UTC()
	out := make([]electionDTO, 0, len(elections))
	for _, e := range elections {
		out = append(out, toElectionDTO(e, now))
	}
	util.WriteJSON(w, 200, map[string]any{"items": out})
}

func (h *Handlers) GetElection(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetElection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, toElectionDTO(e, time.Now().UTC()))
}

func (h *Handlers) GetBallot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetElection(r.Context(), id); err != nil {
		util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
		return
	}
	ballot, err := h.svc.BallotContent(r.Context(), id)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	type candidateDTO struct {
		ID       string `json:"id"`
		FullName string `json:"full_name"`
		Platform string `json:"platform"`
	}
	type positionDTO struct {
		ID         string         `json:"id"`
		Title      string         `json:"title"`
		Candidates []candidateDTO `json:"candidates"`
	}
	out := make([]positionDTO, 0, len(ballot))
	for _, bp := range ballot {
		p := positionDTO{ID: bp.Position.ID, Title: bp.Position.Title, Candidates: []candidateDTO{}}
		for _, c := range bp.Candidates {
			p.Candidates = append(p.Candidates, candidateDTO{ID: c.ID, FullName: c.FullName, Platform: c.Platform})
		}
		out = append(out, p)
	}
	util.WriteJSON(w, 200, map[string]any{"election_id": id, "positions": out})
}

func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	var viewer *models.User
	if c, err := r.Cookie(h.cfg.SessionCookieName); err == nil && c.Value != "" {
		if u, _, err := h.svc.ValidateSession(r.Context(), c.Value); err == nil {
			viewer = &u
		}
	}
	tally, err := h.svc.Results(r.Context(), chi.URLParam(r, "id"), viewer)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			util.WriteError(w, 403, "results_hidden", "results are not published for this election", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "election not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": tally})
}

func (h *Handlers) CreateVotingSession(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	grant, err := h.svc.CreateVotingSession(r.Context(), u, chi.URLParam(r, "id"))
	if err != nil {
		status := 400
		code := "session_failed"
		switch {
		case errors.Is(err, service.ErrAlreadyVoted):
			status, code = 409, "already_voted"
		case errors.Is(err, service.ErrNotEligible):
			status, code = 403, "not_eligible"
		case errors.Is(err, service.ErrElectionNotActive):
			status, code = 409, "election_not_active"
		case errors.Is(err, service.ErrInvalidSession):
			status, code = 409, "session_conflict"
		}
		util.WriteError(w, status, code, err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, grant)
}

type castRequest struct {
	SessionToken string             `json:"session_token"`
	Selections   []models.Selection `json:"selections"`
}

func (h *Handlers) CastVotes(w http.ResponseWriter, r *http.Request) {
	var req castRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	receipt, err := h.svc.CastVotes(r.Context(), req.SessionToken, req.Selections)
	if err != nil {
		status := 400
		code := "cast_failed"
		switch {
		case errors.Is(err, service.ErrInvalidSession):
			status, code = 401, "invalid_voting_session"
		case errors.Is(err, service.ErrAlreadyVoted):
			status, code = 409, "already_voted"
		case errors.Is(err, service.ErrInvalidSelection):
			code = "invalid_selection"
		}
		util.WriteError(w, status, code, err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, receipt)
}

func (h *Handlers) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptID         string `json:"receipt_id"`
		VerificationToken string `json:"verification_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	result, err := h.svc.VerifyReceipt(r.Context(), req.ReceiptID, req.VerificationToken)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, result)
}

func (h *Handlers) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	setup, err := h.svc.GenerateTwoFactorSetup(r.Context(), u)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, setup)
}

func (h *Handlers) TwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Secret      string   `json:"secret"`
		Code        string   `json:"code"`
		BackupCodes []string `json:"backup_codes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.EnableTwoFactor(r.Context(), u, req.Secret, req.Code, req.BackupCodes); err != nil {
		if errors.Is(err, service.ErrInvalidCode) {
			util.WriteError(w, 400, "invalid_two_factor_code", "code did not verify against the submitted secret", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "enabled"})
}

func (h *Handlers) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.DisableTwoFactor(r.Context(), u, req.Code); err != nil {
		if errors.Is(err, service.ErrInvalidCode) {
			util.WriteError(w, 400, "invalid_two_factor_code", "code did not verify", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "disabled"})
}

// TwoFactorVerify checks a code without any side effect beyond backup code
// consumption. The frontend uses it to let users sanity-check an
// authenticator before an election opens.
func (h *Handlers) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	ok, err := h.svc.VerifyTwoFactorCode(r.Context(), u, req.Code)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]bool{"valid": ok})
}

func (h *Handlers) StepUpVerify(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	sess, _ := middleware.Session(r.Context())
	var req struct {
		ActionType string `json:"action_type"`
		Code       string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	ok, _, err := h.svc.VerifyStepUp(r.Context(), u, sess, req.ActionType, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCode) {
			util.WriteError(w, 400, "invalid_two_factor_code", "code did not verify", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	if !ok {
		util.WriteError(w, 400, "step_up_required", "a two-factor code is required for this action", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "verified", "action_type": req.ActionType})
}

func parsePagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return page, pageSize
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, sessionToken, csrfToken string) {
	maxAge := int(h.cfg.SessionAbsoluteDuration().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter) {
	expiredAt := time.Unix(1, 0).UTC()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
}
