// Package admin exposes the JSON management API for the role graph.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatekeep-io/gatekeep/internal/platform/httpx"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
)

// Handler serves the admin endpoints.
type Handler struct {
	logger   *slog.Logger
	store    rbac.Store
	service  *rbac.Service
	engine   *rbac.Engine
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, store rbac.Store, service *rbac.Service, engine *rbac.Engine) *Handler {
	return &Handler{
		logger:   logger,
		store:    store,
		service:  service,
		engine:   engine,
		validate: validator.New(),
	}
}

// MountRoutes registers the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stats", h.stats)
	r.Get("/check", h.check)

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Put("/{id}", h.updatePermission)
		r.Delete("/{id}", h.deletePermission)
	})
	r.Route("/features", func(r chi.Router) {
		r.Get("/", h.listFeatures)
		r.Post("/", h.createFeature)
		r.Put("/{id}", h.updateFeature)
		r.Delete("/{id}", h.deleteFeature)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Get("/{id}", h.getRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/grants", h.replaceGrants)
		r.Post("/{id}/grants", h.grantPermissions)
		r.Post("/{id}/grants/revoke", h.revokePermissions)
	})
	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.listUsers)
		r.Post("/", h.registerUser)
		r.Get("/{userID}", h.getUser)
		r.Put("/{userID}/role", h.assignRole)
		r.Delete("/{id}", h.deleteUser)
	})
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{
		"users":       counts.Users,
		"roles":       counts.Roles,
		"features":    counts.Features,
		"permissions": counts.Permissions,
	})
}

// check runs an explicit authorization decision, useful for debugging a
// role setup without replaying real traffic.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, feature, permission := q.Get("user_id"), q.Get("feature"), q.Get("permission")
	if userID == "" || feature == "" || permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id, feature and permission are required")
		return
	}
	decision, err := h.engine.Decide(r.Context(), userID, feature, permission)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
}

type catalogRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := h.store.ListPermissions(r.Context(), limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": page.Items, "total": page.Total})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.store.CreatePermission(r.Context(), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.store.UpdatePermission(r.Context(), rbac.ID(chi.URLParam(r, "id")), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePermissionEverywhere(r.Context(), rbac.ID(chi.URLParam(r, "id"))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listFeatures(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := h.store.ListFeatures(r.Context(), limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": page.Items, "total": page.Total})
}

func (h *Handler) createFeature(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	feature, err := h.store.CreateFeature(r.Context(), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, feature)
}

func (h *Handler) updateFeature(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	feature, err := h.store.UpdateFeature(r.Context(), rbac.ID(chi.URLParam(r, "id")), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, feature)
}

func (h *Handler) deleteFeature(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteFeatureEverywhere(r.Context(), rbac.ID(chi.URLParam(r, "id"))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	FeatureID     string   `json:"feature_id" validate:"required"`
	PermissionIDs []string `json:"permission_ids" validate:"required,min=1"`
}

func (g grantRequest) toGrant() (rbac.ID, []rbac.ID) {
	ids := make([]rbac.ID, 0, len(g.PermissionIDs))
	for _, id := range g.PermissionIDs {
		ids = append(ids, rbac.ID(id))
	}
	return rbac.ID(g.FeatureID), ids
}

type createRoleRequest struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description"`
	Grants      []grantRequest `json:"grants" validate:"dive"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := h.store.ListRoles(r.Context(), limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": page.Items, "total": page.Total})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	nr := rbac.NewRole{Name: req.Name, Description: req.Description}
	for _, g := range req.Grants {
		fid, pids := g.toGrant()
		nr.Grants = append(nr.Grants, rbac.FeatureGrant{FeatureID: fid, PermissionIDs: pids})
	}
	role, err := h.store.CreateRole(r.Context(), nr)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.store.FindRoleByIDWithGrants(r.Context(), rbac.ID(chi.URLParam(r, "id")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.UpdateRole(r.Context(), rbac.ID(chi.URLParam(r, "id")), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteRole(r.Context(), rbac.ID(chi.URLParam(r, "id"))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replaceGrantsRequest struct {
	Grants []grantRequest `json:"grants" validate:"dive"`
}

func (h *Handler) replaceGrants(w http.ResponseWriter, r *http.Request) {
	var req replaceGrantsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grants := make([]rbac.FeatureGrant, 0, len(req.Grants))
	for _, g := range req.Grants {
		fid, pids := g.toGrant()
		grants = append(grants, rbac.FeatureGrant{FeatureID: fid, PermissionIDs: pids})
	}
	if err := h.store.ReplaceRoleGrants(r.Context(), rbac.ID(chi.URLParam(r, "id")), grants); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantPermissions(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fid, pids := req.toGrant()
	if err := h.service.GrantPermissions(r.Context(), rbac.ID(chi.URLParam(r, "id")), fid, pids); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermissions(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fid, pids := req.toGrant()
	if err := h.service.RevokePermissions(r.Context(), rbac.ID(chi.URLParam(r, "id")), fid, pids); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerUserRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Name   string `json:"name"`
	Email  string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := h.store.ListUsers(r.Context(), limit, offset, r.URL.Query().Get("search"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": page.Items, "total": page.Total})
}

func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	user, err := h.service.RegisterUser(r.Context(), req.UserID, req.Name, req.Email)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.FindUserByUserIDWithRole(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

type assignRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	user, err := h.service.AssignRole(r.Context(), chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUser(r.Context(), rbac.ID(chi.URLParam(r, "id"))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
