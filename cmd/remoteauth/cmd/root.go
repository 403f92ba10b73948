package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd/users"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
)

var (
	cfg     *config.Config
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "remoteauth",
	Short: "Trusted-header authentication with directory-backed authorization",
	Long: `remoteauth trusts the username asserted by an upstream authenticating proxy,
resolves the user's groups in an LDAP directory and maps them onto local
privileges (active, staff, superuser) before any request reaches the application.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	flags.String("db-url", "", "Database connection URL (env: REMOTEAUTH_DATABASE_URL)")
	flags.String("server-addr", "", "Server bind address (env: REMOTEAUTH_SERVER_ADDR)")
	flags.Bool("debug", false, "Enable debug logging (env: REMOTEAUTH_DEBUG)")
	flags.String("log-format", "", "Log format: console or json (env: REMOTEAUTH_LOG_FORMAT)")

	bind := map[string]string{
		"database_url": "db-url",
		"server_addr":  "server-addr",
		"debug":        "debug",
		"log.format":   "log-format",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(users.UsersCmd)
	rootCmd.AddCommand(directory.DirectoryCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
