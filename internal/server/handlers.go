package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/services/iam"
)

const maxPageSize = 500

// WhoamiResponse describes the principal of the current request.
type WhoamiResponse struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	IsActive    bool     `json:"is_active"`
	IsStaff     bool     `json:"is_staff"`
	IsSuperuser bool     `json:"is_superuser"`
	Roles       []string `json:"roles"`
	Groups      []string `json:"groups"`
	Source      string   `json:"source"`
}

// UserResponse is the admin view of a local user.
type UserResponse struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	IsActive          bool       `json:"is_active"`
	IsStaff           bool       `json:"is_staff"`
	IsSuperuser       bool       `json:"is_superuser"`
	Groups            []string   `json:"groups,omitempty"`
	DirectorySyncedAt *time.Time `json:"directory_synced_at,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
}

// SyncResponse reports a forced synchronization.
type SyncResponse struct {
	State  string        `json:"state"`
	Source string        `json:"source,omitempty"`
	Error  string        `json:"error,omitempty"`
	User   *UserResponse `json:"user,omitempty"`
}

func newUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		IsActive:          u.IsActive,
		IsStaff:           u.IsStaff,
		IsSuperuser:       u.IsSuperuser,
		Groups:            u.Groups,
		DirectorySyncedAt: u.DirectorySyncedAt,
		LastLoginAt:       u.LastLoginAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleWhoAmI handles GET /api/whoami
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.GetUserFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		roles, groups := principal.Roles, principal.Groups
		if roles == nil {
			roles = []string{}
		}
		if groups == nil {
			groups = []string{}
		}
		writeJSON(w, http.StatusOK, WhoamiResponse{
			Username:    principal.Username,
			Email:       principal.Email,
			FirstName:   principal.FirstName,
			LastName:    principal.LastName,
			IsActive:    principal.IsActive,
			IsStaff:     principal.IsStaff,
			IsSuperuser: principal.IsSuperuser,
			Roles:       roles,
			Groups:      groups,
			Source:      principal.Source,
		})
	}
}

// HandleListUsers handles GET /api/admin/users?limit=&offset=&staff=true
func HandleListUsers(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := repository.ListOptions{Limit: 100}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxPageSize {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			opts.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid offset", http.StatusBadRequest)
				return
			}
			opts.Offset = n
		}
		opts.StaffOnly = q.Get("staff") == "true"

		users, err := iamService.ListUsers(r.Context(), opts)
		if err != nil {
			logger.FromContext(r.Context(), nil).Error("list users failed", zap.Error(err))
			http.Error(w, "list users failed", http.StatusInternalServerError)
			return
		}
		resp := make([]UserResponse, 0, len(users))
		for _, u := range users {
			resp = append(resp, newUserResponse(u))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": resp, "count": len(resp)})
	}
}

// HandleGetUser handles GET /api/admin/users/{username}
func HandleGetUser(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := iamService.GetUser(r.Context(), chi.URLParam(r, "username"))
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, "user not found", http.StatusNotFound)
			return
		case errors.Is(err, auth.ErrMalformedIdentity):
			http.Error(w, "invalid username", http.StatusBadRequest)
			return
		case err != nil:
			logger.FromContext(r.Context(), nil).Error("get user failed", zap.Error(err))
			http.Error(w, "get user failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(user))
	}
}

// HandleSyncUser handles POST /api/admin/users/{username}/sync
// Resolves the user against the directory now and applies the result.
// A definitive denial is a successful sync that revoked the user (200).
func HandleSyncUser(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		username := chi.URLParam(r, "username")

		decision, err := iamService.SyncUser(ctx, username)
		resp := SyncResponse{State: string(decision.State), Source: string(decision.Source)}
		if err != nil {
			resp.Error = auth.Kind(err)
			if !auth.IsDefinitive(err) {
				writeJSON(w, auth.HTTPStatus(err), resp)
				return
			}
		}
		if user, uerr := iamService.GetUser(ctx, username); uerr == nil {
			u := newUserResponse(user)
			resp.User = &u
		}

		actor, _ := auth.GetUserFromContext(ctx)
		logger.FromContext(ctx, nil).Info("manual user synchronization",
			zap.String("actor", actor.Username),
			zap.String("target", username),
			zap.String("state", resp.State),
		)
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleCacheStats handles GET /api/admin/cache
func HandleCacheStats(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, iamService.CacheStats())
	}
}

// HandlePurgeCache handles DELETE /api/admin/cache
func HandlePurgeCache(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iamService.PurgeCache()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleInvalidateUser handles DELETE /api/admin/cache/{username}
func HandleInvalidateUser(iamService iam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iamService.InvalidateUser(chi.URLParam(r, "username"))
		w.WriteHeader(http.StatusNoContent)
	}
}
