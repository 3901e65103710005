package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"patterm/pkg/config"
	"patterm/pkg/logging"
)

// Version is reported by --version
var Version = "1.0.0"

// globals are the persistent flags and the settings they resolve to
type globals struct {
	configPath string
	verbose    bool
	logLevel   string

	settings *config.Settings
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "patterm",
		Short: "A multi-session serial port terminal",
		Long: `patterm opens several serial ports at once, one tab per session, and can
expose the same sessions to other programs over HTTP and websockets.

Settings are read from ~/.patterm/settings.yaml (or --config) and may be
overridden with PATTERM_* environment variables.`,
		Version:           Version,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "settings file (default ~/.patterm/settings.yaml)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newListCmd(g))
	root.AddCommand(newConnectCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newServeCmd(g))
	return root
}

// Execute runs the command line
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (g *globals) load() error {
	path := g.configPath
	mustExist := path != ""
	if path == "" {
		path = config.DefaultSettingsPath()
	}

	s, err := config.LoadSettings(path, mustExist)
	if err != nil {
		return err
	}
	if g.verbose {
		s.LogLevel = "debug"
	}
	if g.logLevel != "" {
		s.LogLevel = g.logLevel
	}
	if err := s.Validate(); err != nil {
		return err
	}
	g.settings = s
	return nil
}

// logger writes to stderr for line-oriented commands
func (g *globals) logger() (*zap.Logger, error) {
	return logging.New(g.settings.LogLevel, g.settings.LogFormat)
}

// fileLogger keeps the terminal free while the dashboard owns it
func (g *globals) fileLogger() (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(g.settings.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(g.settings.LogDir, "patterm.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger, err := logging.NewWriter(f, g.settings.LogLevel)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, f, nil
}

func (g *globals) profiles() *config.FileProfileManager {
	return config.NewFileProfileManager(g.settings.ProfileDir)
}
