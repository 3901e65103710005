package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"patterm/pkg/bridge"
	"patterm/pkg/session"
	"patterm/pkg/ui"
)

// RunInteractive opens every target in its own dashboard tab and blocks until
// the user quits or the process is signalled. A summary is written to out.
func (a *Application) RunInteractive(ctx context.Context, targets []Target, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids, err := a.OpenSessions(ctx, targets)
	if len(ids) == 0 {
		if err == nil {
			err = fmt.Errorf("no sessions to open")
		}
		return err
	}
	if err != nil {
		a.Logger.Warn("some sessions failed to open", zap.Error(err))
	}

	dash, err := ui.NewDashboard(&ui.Config{
		Controller: a.Manager,
		Bus:        a.Bus,
		Logger:     a.Logger.Named("ui"),
		Screen:     a.Screen,
		LineEnding: a.Settings.LineEndingBytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to create dashboard: %w", err)
	}

	runErr := dash.Run(ctx)
	snaps := a.Manager.ListSessions()
	closeErr := a.Close()

	PrintSummary(out, snaps, a.Uptime())
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// RunServe exposes the manager through the bridge on addr until the process
// is signalled or ctx is cancelled.
func (a *Application) RunServe(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr == "" {
		addr = a.Settings.ListenAddr
	}

	cfg := &bridge.Config{
		Manager:        a.Manager,
		Logger:         a.Logger.Named("bridge"),
		AllowedOrigins: a.Settings.AllowedOrigins,
	}
	if a.Metrics != nil {
		cfg.Metrics = a.Metrics.Handler()
	}
	srv, err := bridge.NewServer(cfg)
	if err != nil {
		return err
	}

	serveErr := srv.ListenAndServe(ctx, addr)
	closeErr := a.Close()
	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

// PrintSummary writes per-session totals collected before shutdown
func PrintSummary(w io.Writer, snaps []session.Snapshot, uptime time.Duration) {
	fmt.Fprintf(w, "\n=== Session Summary ===\n")
	fmt.Fprintf(w, "Duration: %v\n", uptime.Round(time.Second))
	if len(snaps) == 0 {
		fmt.Fprintf(w, "No sessions open at exit\n")
	}
	for _, s := range snaps {
		fmt.Fprintf(w, "%s (%s, %s)\n", s.Name, s.Config.Port, s.Config.String())
		fmt.Fprintf(w, "  State: %s\n", s.State)
		fmt.Fprintf(w, "  Bytes Sent: %d\n", s.TxTotal)
		fmt.Fprintf(w, "  Bytes Received: %d\n", s.RxTotal)
	}
	fmt.Fprintf(w, "=======================\n")
}
