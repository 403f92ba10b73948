package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/bunx"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
)

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

var _ UserRepository = (*BunUserRepository)(nil)

// GetOrCreate inserts the user, ignoring a username conflict, then reads the
// row back so concurrent callers converge on a single record.
func (r *BunUserRepository) GetOrCreate(ctx context.Context, user *models.User) (*models.User, bool, error) {
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	res, err := r.db.NewInsert().
		Model(user).
		On("CONFLICT (username) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	stored, err := r.GetByUsername(ctx, user.Username)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// GetByUsername retrieves a user by username
func (r *BunUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("username = ?", username).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by their ID
func (r *BunUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("get user by ID: %w", err)
	}
	return user, nil
}

// List returns users ordered by username
func (r *BunUserRepository) List(ctx context.Context, opts ListOptions) ([]*models.User, error) {
	var users []*models.User
	q := r.db.NewSelect().
		Model(&users).
		Order("username ASC")
	if opts.StaffOnly {
		q = q.Where("is_staff = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ApplySync performs a compare-and-set on sync_stamp: the row is written only
// when its stored stamp is not newer than update.Stamp.
func (r *BunUserRepository) ApplySync(ctx context.Context, update SyncUpdate) (bool, error) {
	applied := false
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("is_active = ?", update.IsActive).
			Set("is_staff = ?", update.IsStaff).
			Set("is_superuser = ?", update.IsSuperuser).
			Set("sync_stamp = ?", update.Stamp).
			Set("directory_synced_at = ?", update.SyncedAt.UTC()).
			Set("updated_at = ?", time.Now().UTC())
		if update.FirstName != nil {
			q = q.Set("first_name = ?", *update.FirstName)
		}
		if update.LastName != nil {
			q = q.Set("last_name = ?", *update.LastName)
		}
		if update.Email != nil {
			q = q.Set("email = ?", *update.Email)
		}

		res, err := q.
			Where("id = ?", update.UserID).
			Where("sync_stamp <= ?", update.Stamp).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if n == 0 {
			exists, err := tx.NewSelect().Model((*models.User)(nil)).Where("id = ?", update.UserID).Exists(ctx)
			if err != nil {
				return fmt.Errorf("check user: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrUserNotFound, update.UserID)
			}
			return nil
		}

		if update.Groups != nil {
			if err := replaceGroups(ctx, tx, update.UserID, update.Groups); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func replaceGroups(ctx context.Context, tx bun.Tx, userID string, names []string) error {
	if _, err := tx.NewDelete().
		Model((*models.UserGroup)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx); err != nil {
		return fmt.Errorf("clear user groups: %w", err)
	}

	names = uniqueNames(names)
	if len(names) == 0 {
		return nil
	}

	now := time.Now().UTC()
	groups := make([]models.Group, len(names))
	for i, name := range names {
		groups[i] = models.Group{ID: bunx.NewUUIDv7(), Name: name, CreatedAt: now}
	}
	if _, err := tx.NewInsert().
		Model(&groups).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("create groups: %w", err)
	}

	var ids []string
	if err := tx.NewSelect().
		Model((*models.Group)(nil)).
		Column("id").
		Where("name IN (?)", bun.In(names)).
		Scan(ctx, &ids); err != nil {
		return fmt.Errorf("load group ids: %w", err)
	}

	links := make([]models.UserGroup, len(ids))
	for i, id := range ids {
		links[i] = models.UserGroup{UserID: userID, GroupID: id}
	}
	if _, err := tx.NewInsert().Model(&links).Exec(ctx); err != nil {
		return fmt.Errorf("link user groups: %w", err)
	}
	return nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GroupNames returns the mirrored group names of a user
func (r *BunUserRepository) GroupNames(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := r.db.NewSelect().
		Model((*models.Group)(nil)).
		Column("g.name").
		Join("JOIN user_groups AS ug ON ug.group_id = g.id").
		Where("ug.user_id = ?", userID).
		Order("g.name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	return names, nil
}

// TouchLogin records the last successful request time
func (r *BunUserRepository) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("last_login_at = ?", at.UTC()).
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}
