package main

import (
	"github.com/spf13/cobra"
)

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagLogLevel   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webengine",
		Short: "Embedded HTTP/1.1 server engine",
		Long:  "webengine serves a document tree and config-driven routes over HTTP/1.1 and HTTPS.",
		// Silence Cobra's own error/usage printing; subcommands report
		// their own failures.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "web.json", "path to the web.json configuration document")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: trace|debug|info|warn|error")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckConfigCmd())
	cmd.AddCommand(newHashPasswordCmd())

	return cmd
}
