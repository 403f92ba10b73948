package users

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd/cmdutil"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
)

var (
	limitFlag     int
	offsetFlag    int
	staffOnlyFlag bool
)

// UsersCmd groups local user commands.
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and synchronize local users",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local users",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := openBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		users, err := bundle.Service.ListUsers(cmd.Context(), repository.ListOptions{
			Limit:     limitFlag,
			Offset:    offsetFlag,
			StaffOnly: staffOnlyFlag,
		})
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		if len(users) == 0 {
			pterm.Info.Println("No users found")
			return nil
		}

		table := pterm.TableData{{"USERNAME", "EMAIL", "ACTIVE", "STAFF", "SUPERUSER", "LAST SYNC"}}
		for _, u := range users {
			table = append(table, []string{
				u.Username,
				u.Email,
				strconv.FormatBool(u.IsActive),
				strconv.FormatBool(u.IsStaff),
				strconv.FormatBool(u.IsSuperuser),
				formatTime(u.DirectorySyncedAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show a local user and its mirrored groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := openBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		user, err := bundle.Service.GetUser(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get user %q: %w", args[0], err)
		}
		printUser(user)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <username>",
	Short: "Resolve a user against the directory now and apply the result",
	Long: `Bypasses the resolution cache, resolves the user in the directory and
writes flags, profile and groups to the local store. A definitive negative
answer (not in the required group, not found, ambiguous) revokes the user.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := openBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		decision, err := bundle.Service.SyncUser(cmd.Context(), args[0])
		switch {
		case err == nil:
			pterm.Success.Printf("%s authorized (roles: %s)\n",
				decision.Username, strings.Join(decision.Principal.Roles, ", "))
		case auth.IsDefinitive(err):
			pterm.Warning.Printf("%s revoked: %s\n", decision.Username, auth.Kind(err))
		default:
			return fmt.Errorf("sync %q: %w", args[0], err)
		}

		if user, err := bundle.Service.GetUser(cmd.Context(), decision.Username); err == nil {
			printUser(user)
		}
		return nil
	},
}

func openBundle(cmd *cobra.Command) (*cmdutil.IAMServiceBundle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cmdutil.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	return cmdutil.NewIAMServiceBundle(cmd.Context(), cfg, cmdutil.IAMServiceOptions{Logger: log})
}

func printUser(u *models.User) {
	pterm.DefaultSection.Println(u.Username)
	rows := pterm.TableData{
		{"ID", u.ID},
		{"Name", u.FullName()},
		{"Email", u.Email},
		{"Active", strconv.FormatBool(u.IsActive)},
		{"Staff", strconv.FormatBool(u.IsStaff)},
		{"Superuser", strconv.FormatBool(u.IsSuperuser)},
		{"Groups", strings.Join(u.Groups, ", ")},
		{"Last sync", formatTime(u.DirectorySyncedAt)},
		{"Last login", formatTime(u.LastLoginAt)},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func init() {
	listCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum number of users")
	listCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Number of users to skip")
	listCmd.Flags().BoolVar(&staffOnlyFlag, "staff", false, "Only list staff users")

	UsersCmd.AddCommand(listCmd, showCmd, syncCmd)
}
