package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/hostd/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	hostdCommand := command{flags: globalFlags}

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(hostdCommand),
		createHealthCommand(hostdCommand),
		createRestartCommand(hostdCommand),
		createStatsCommand(hostdCommand),
		createEventsCommand(hostdCommand),
		createRecordsCommand(hostdCommand),
		createSettingsCommand(hostdCommand),
		createSecretCommand(hostdCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "hostd",
		Short: "Desktop host for a local AI backend",
		Long: `hostd supervises the local backend process, keeps local records and
settings in SQLite and stores credentials in the OS keychain.

Examples:
  hostd serve                         # run the host and its IPC API
  hostd status                        # backend state
  hostd records list --limit=20
  hostd secret set api-token --value=...`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "hostd API URL (default "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}
