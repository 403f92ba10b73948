package iam

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
)

// Reconciler maps a canonical username onto its local user row.
type Reconciler struct {
	users      repository.UserRepository
	noNewUsers bool
	logger     *zap.Logger
}

// NewReconciler creates a reconciler. With noNewUsers set, unknown
// usernames are refused instead of provisioned.
func NewReconciler(users repository.UserRepository, noNewUsers bool, log *zap.Logger) *Reconciler {
	return &Reconciler{users: users, noNewUsers: noNewUsers, logger: logger.OrNop(log)}
}

// Reconcile returns the user row for username, creating it without any
// privileges if it does not exist yet. Concurrent calls for the same new
// username create exactly one row.
func (r *Reconciler) Reconcile(ctx context.Context, username string) (*models.User, error) {
	user, err := r.users.GetByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("load user %q: %w", username, err)
	}
	if r.noNewUsers {
		return nil, fmt.Errorf("%w: %q has no local account", auth.ErrProvisioningDisabled, username)
	}

	user, created, err := r.users.GetOrCreate(ctx, &models.User{Username: username})
	if err != nil {
		return nil, fmt.Errorf("provision user %q: %w", username, err)
	}
	if created {
		r.logger.Info("provisioned local user", zap.String("username", username), zap.String("user_id", user.ID))
	}
	return user, nil
}
