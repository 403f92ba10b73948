package iam

import (
	"context"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
)

// Service provides all identity and access management operations.
//
// This service centralizes:
//   - Request authorization (request path - performance critical)
//   - Forced synchronization of a single user (admin operations)
//   - Cache management (admin operations)
//   - Local user queries (admin operations)
type Service interface {
	// =========================================================================
	// Authorization (Request Path - Performance Critical)
	// =========================================================================

	// AuthenticateRequest runs the gate for one request.
	//
	// Returns:
	//   - (decision, nil): authorized, or anonymous when login is not required
	//   - (decision, error): denied; HTTP status via auth.HTTPStatus(error)
	AuthenticateRequest(ctx context.Context, req AuthRequest) (*Decision, error)

	// =========================================================================
	// Synchronization (Admin Operations)
	// =========================================================================

	// SyncUser resolves username against the directory now, ignoring the
	// cache, and applies the result to the local user.
	SyncUser(ctx context.Context, username string) (*Decision, error)

	// CheckDirectory resolves username without touching the local store or the cache.
	CheckDirectory(ctx context.Context, username string) (*directory.Resolution, error)

	// PingDirectory verifies reachability and service bind credentials.
	PingDirectory(ctx context.Context) error

	// =========================================================================
	// Cache Management
	// =========================================================================

	// InvalidateUser drops the cached resolution of username.
	InvalidateUser(username string)

	// PurgeCache drops every cached resolution.
	PurgeCache()

	// CacheStats returns resolution cache counters.
	CacheStats() CacheStats

	// =========================================================================
	// Local Users (Admin Operations)
	// =========================================================================

	// GetUser returns a local user with its mirrored groups.
	GetUser(ctx context.Context, username string) (*models.User, error)

	// ListUsers pages through local users.
	ListUsers(ctx context.Context, opts repository.ListOptions) ([]*models.User, error)
}
