// Package app wires the session core to its sinks and front ends
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"patterm/pkg/config"
	"patterm/pkg/event"
	"patterm/pkg/history"
	"patterm/pkg/metrics"
	"patterm/pkg/serial"
	"patterm/pkg/session"
)

// Application owns one session manager and everything attached to its bus
type Application struct {
	Settings *config.Settings
	Logger   *zap.Logger
	Bus      *event.Bus
	Factory  *serial.Router
	Manager  *session.Manager
	Recorder *history.Recorder

	// Metrics is nil when disabled in settings.
	Metrics *metrics.Collector

	// Screen overrides the dashboard's terminal screen.
	Screen tcell.Screen

	now     func() time.Time
	started time.Time
}

// Target is one session to open
type Target struct {
	Name   string
	Config serial.SerialConfig
}

// New builds an application from settings
func New(settings *config.Settings, logger *zap.Logger) (*Application, error) {
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := event.NewBus(logger.Named("bus"))
	router := serial.NewRouter(
		serial.NewNativeFactory(logger.Named("serial")),
		serial.NewLoopbackFactory(settings.LoopbackPrefix, settings.LoopbackPorts...),
	)

	mgr, err := session.NewManager(&session.ManagerConfig{
		Factory:       router,
		Bus:           bus,
		Logger:        logger.Named("session"),
		RateWindow:    settings.RateWindow,
		DecayInterval: settings.DecayInterval,
	})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	app := &Application{
		Settings: settings,
		Logger:   logger,
		Bus:      bus,
		Factory:  router,
		Manager:  mgr,
		Recorder: history.NewRecorder(bus, history.RecorderConfig{
			MaxSize: settings.HistorySize,
			Logger:  logger.Named("history"),
		}),
		now: time.Now,
	}
	if settings.Metrics {
		app.Metrics = metrics.NewCollector()
		app.Metrics.Attach(bus)
	}
	app.started = app.now()
	return app, nil
}

// OpenSessions creates one session per target. Targets that fail are
// reported together; the sessions that did open stay open.
func (a *Application) OpenSessions(ctx context.Context, targets []Target) ([]string, error) {
	var ids []string
	var errs []error
	for _, t := range targets {
		id, err := a.Manager.CreateSession(ctx, t.Config, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)

		if a.Settings.AutoLog {
			name := t.Name
			if name == "" {
				name = t.Config.Port
			}
			path := a.logPath(name)
			if err := a.Recorder.StartLogging(id, path, history.ModeAuto, t.Config); err != nil {
				a.Logger.Warn("failed to start session log",
					zap.String("session_id", id), zap.String("path", path), zap.Error(err))
			}
		}
	}
	return ids, errors.Join(errs...)
}

func (a *Application) logPath(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimPrefix(name, serial.LoopbackScheme))
	file := fmt.Sprintf("%s-%s.log", clean, a.now().Format("20060102-150405"))
	return filepath.Join(a.Settings.LogDir, file)
}

// Close shuts the manager down and detaches every sink. The bus drains
// before the sinks detach so that they see the final close events. Safe to
// call more than once.
func (a *Application) Close() error {
	a.Manager.Shutdown()
	a.Bus.Close()

	err := a.Recorder.Close()
	if a.Metrics != nil {
		a.Metrics.Detach()
	}
	return err
}

// Uptime returns how long the application has been running
func (a *Application) Uptime() time.Duration {
	return a.now().Sub(a.started)
}
