package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/embedthis/webengine/pkg/conn"
	"github.com/embedthis/webengine/pkg/host"
	"github.com/embedthis/webengine/pkg/wconfig"
	"github.com/embedthis/webengine/pkg/wlog"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bind the configured listeners and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wconfig.Load(flagConfigPath)
			if err != nil {
				return err
			}
			log := wlog.New(flagLogLevel)

			h, err := host.New(cfg, log, nil)
			if err != nil {
				return err
			}
			h.RunSweepers()

			var g errgroup.Group
			for _, l := range h.Listeners {
				l := l
				log.WithField("scheme", l.Scheme).WithField("addr", l.Addr).Info("listening")
				g.Go(func() error {
					if err := conn.ServeListener(h, l, nil); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
						return err
					}
					return nil
				})
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				log.Info("shutting down")
				h.Shutdown()
			}()

			return g.Wait()
		},
	}
}
