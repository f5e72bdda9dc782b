package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/config"
	"github.com/KockaAdmiralac/Lux/pkg/client"
)

const (
	// EnvConfig names the root configuration file.
	EnvConfig = "LUX_CONFIG"
	// EnvAPI is the admin API base URL used by status.
	EnvAPI = "LUX_API"
	// EnvAPICA is a CA certificate trusted when the admin API uses TLS.
	EnvAPICA = "LUX_API_CA"
	// EnvAPIUser and EnvAPIPassword are the admin API credentials.
	EnvAPIUser     = "LUX_API_USER"
	EnvAPIPassword = "LUX_API_PASSWORD"
)

func configPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return config.DefaultFile
}

func apiURL() string {
	if u := os.Getenv(EnvAPI); u != "" {
		return u
	}
	return client.DefaultBaseURL
}

// buildRoot creates the lux command. Everything is configured through the
// configuration file and the environment, there are no flags.
func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "lux",
		Short: "Local service supervisor",
		Long: `Lux starts the services listed in its configuration file, admits each one
once its dependencies are running and keeps them supervised.

Environment:
  LUX_CONFIG   configuration file (default config.json)
  LUX_API      admin API used by "lux status" (default ` + client.DefaultBaseURL + `)
  LUX_API_CA   CA certificate for an admin API served over TLS
  LUX_API_USER, LUX_API_PASSWORD
               admin API credentials used by "lux status"
  LUX_*        overrides of configuration options, e.g. LUX_LOG_LEVEL=debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(cmd.Context(), configPath())
		},
	}
	root.AddCommand(createCheckCommand(), createStatusCommand(), createHashPasswordCommand())
	return root
}

func createCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and service definitions",
		Long: `Check loads the configuration and every service definition without starting
anything, and prints one row per service. It fails when a service cannot be
loaded or belongs to a dependency cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd.OutOrStdout(), configPath())
		},
	}
}

func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the services of a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(client.Config{
				BaseURL:  apiURL(),
				TLS:      apiTLS(),
				Username: os.Getenv(EnvAPIUser),
				Password: os.Getenv(EnvAPIPassword),
			})
			if err != nil {
				return err
			}
			return status(cmd.Context(), cmd.OutOrStdout(), c)
		},
	}
}

func apiTLS() *client.TLSClientConfig {
	ca := os.Getenv(EnvAPICA)
	if ca == "" {
		return nil
	}
	return &client.TLSClientConfig{CACert: ca}
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for server.auth.users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}
