package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "autoapprove",
		Short:         "autoapprove: decide whether agent shell commands may run without confirmation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("autoapprove {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("AUTOAPPROVE_CONFIG", ""), "Config file (default: user config dir autoapprove/config.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level: debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&opts.workspace, "workspace", "", "Workspace root (default: detected from the working directory)")

	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newRulesCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))

	return cmd
}

type rootOptions struct {
	configPath string
	logLevel   string
	workspace  string
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
