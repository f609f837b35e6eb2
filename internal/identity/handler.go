package identity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type recoverRequest struct {
	Email string `json:"email"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type updateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password,omitempty"`
}

type roleRequest struct {
	Role string `json:"role"`
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      model.User `json:"user"`
}

// MeResponse describes the caller and the roles it may hand out.
type MeResponse struct {
	User            model.User   `json:"user"`
	AssignableRoles []model.Role `json:"assignableRoles"`
}

type Handler struct {
	service Service
	issuer  *auth.Issuer
	logger  *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service Service
	Issuer  *auth.Issuer
	Logger  *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: cfg.Service,
		issuer:  cfg.Issuer,
		logger:  logger,
	}
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[credentialsRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	u, err := h.service.Register(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		h.fail(ctx, w, err, "register failed")
		return
	}
	h.writeSession(ctx, w, http.StatusCreated, u)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[credentialsRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	u, err := h.service.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		h.fail(ctx, w, err, "login failed")
		return
	}
	h.writeSession(ctx, w, http.StatusOK, u)
}

// Recover handles POST /api/auth/recover.
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[recoverRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if err := h.service.RecoverPassword(ctx, req.Email); err != nil {
		h.fail(ctx, w, err, "password recovery failed")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "recovery instructions have been sent",
	})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	u, err := h.service.GetUser(ctx, actor.ID)
	if err != nil {
		h.fail(ctx, w, err, "loading current user failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, MeResponse{User: u, AssignableRoles: AssignableRoles(actor)})
}

// ListUsers handles GET /api/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := auth.RequirePrivileged(ctx); err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	users, err := h.service.ListUsers(ctx)
	if err != nil {
		h.fail(ctx, w, err, "listing users failed")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	httpx.WriteJSON(w, http.StatusOK, users)
}

// CreateUser handles POST /api/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequirePrivileged(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	req, err := httpx.DecodeJSON[createUserRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	role := model.RoleUser
	if req.Role != "" {
		role = model.Role(req.Role)
	}
	u, err := h.service.AdminCreateUser(ctx, actor, req.Email, req.Password, req.Name, role)
	if err != nil {
		h.fail(ctx, w, err, "admin create user failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, u)
}

// UpdateUser handles PUT /api/users/{id}.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	req, err := httpx.DecodeJSON[updateUserRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	u, err := h.service.UpdateProfile(ctx, actor, r.PathValue("id"), ProfileUpdate{
		Name:       req.Name,
		Email:      req.Email,
		Role:       model.Role(req.Role),
		Credential: req.Password,
	})
	if err != nil {
		h.fail(ctx, w, err, "update user failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

// UpdateRole handles PATCH /api/users/{id}/role.
func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	req, err := httpx.DecodeJSON[roleRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	u, err := h.service.UpdateRole(ctx, actor, r.PathValue("id"), model.Role(req.Role))
	if err != nil {
		h.fail(ctx, w, err, "update role failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

// DeleteUser handles DELETE /api/users/{id}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	if err := h.service.DeleteUser(ctx, actor, r.PathValue("id")); err != nil {
		h.fail(ctx, w, err, "delete user failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSession(ctx context.Context, w http.ResponseWriter, status int, u model.User) {
	token, expires, err := h.issuer.Issue(u)
	if err != nil {
		h.fail(ctx, w, err, "issuing token failed")
		return
	}
	httpx.WriteJSON(w, status, SessionResponse{Token: token, ExpiresAt: expires, User: u})
}

// fail logs err at a level matching its kind and writes the response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	kind := errx.KindOf(err)
	attrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	if httpx.ErrorKindToStatus(kind) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httpx.WriteKindError(w, err)
}
