package directory

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd/cmdutil"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
)

// DirectoryCmd groups directory diagnostics.
var DirectoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Directory diagnostics",
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Open a session and bind with the service credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, cfg, err := openBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		if err := bundle.Service.PingDirectory(cmd.Context()); err != nil {
			return fmt.Errorf("ping %s: %w", cfg.Directory.ServerURI, err)
		}
		pterm.Success.Printf("%s reachable\n", cfg.Directory.ServerURI)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Resolve a user without writing to the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, _, err := openBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		res, err := bundle.Service.CheckDirectory(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve %q: %w", args[0], err)
		}

		flags := res.Flags
		rows := pterm.TableData{
			{"DN", res.UserDN},
			{"Level", res.Level().String()},
			{"Roles", strings.Join(res.RoleNames(), ", ")},
			{"Active", fmt.Sprint(flags.IsActive)},
			{"Staff", fmt.Sprint(flags.IsStaff)},
			{"Superuser", fmt.Sprint(flags.IsSuperuser)},
			{"First name", deref(res.Attributes.FirstName)},
			{"Last name", deref(res.Attributes.LastName)},
			{"Email", deref(res.Attributes.Email)},
			{"Groups", strings.Join(res.Groups, ", ")},
		}
		pterm.DefaultSection.Println(res.Username)
		return pterm.DefaultTable.WithData(rows).Render()
	},
}

func openBundle(cmd *cobra.Command) (*cmdutil.IAMServiceBundle, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cmdutil.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := cmdutil.NewIAMServiceBundle(cmd.Context(), cfg, cmdutil.IAMServiceOptions{Logger: log})
	if err != nil {
		return nil, nil, err
	}
	return bundle, cfg, nil
}

func deref(s *string) string {
	if s == nil {
		return "(absent)"
	}
	return *s
}

func init() {
	DirectoryCmd.AddCommand(pingCmd, checkCmd)
}
