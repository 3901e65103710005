package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"patterm/pkg/app"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr string
		open []string
	)
	f := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose sessions over HTTP and websockets",
		Long: `Run headless and let other programs drive sessions.

Endpoints:
  GET  /ws                 request/response and event stream (JSON)
  GET  /api/sessions       session snapshots
  GET  /api/sessions/{id}  one session
  GET  /api/ports          available ports
  GET  /metrics            Prometheus metrics, when enabled in settings

Ports or profile names given with --open are opened before serving.

Example:
  patterm serve --addr 127.0.0.1:7420 --open loop://echo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var targets []app.Target
			if len(open) > 0 {
				var err error
				if targets, err = resolveTargets(g, f, open); err != nil {
					return err
				}
			}

			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(g.settings, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.OpenSessions(cmd.Context(), targets); err != nil {
				logger.Warn("some sessions failed to open", zap.Error(err))
			}
			if addr == "" {
				addr = g.settings.ListenAddr
			}
			logger.Info("serving", zap.String("addr", addr))
			return a.RunServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	cmd.Flags().StringSliceVar(&open, "open", nil, "ports or profiles to open at start")
	f.register(cmd.Flags())
	return cmd
}
