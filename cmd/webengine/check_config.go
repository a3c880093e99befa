package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embedthis/webengine/pkg/wconfig"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration document without binding a socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wconfig.Load(flagConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d routes, %d listeners)\n", flagConfigPath, len(cfg.Web.Routes), len(cfg.Web.Listen))
			return nil
		},
	}
}
