package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"patterm/pkg/app"
	"patterm/pkg/serial"
)

// portFlags are the line settings shared by connect and config save
type portFlags struct {
	baud   int
	data   int
	stop   int
	parity string
	flow   string
}

func (f *portFlags) register(fs *pflag.FlagSet) {
	def := serial.DefaultConfig()
	fs.IntVarP(&f.baud, "baud", "b", def.BaudRate, "baud rate")
	fs.IntVarP(&f.data, "data", "d", def.DataBits, "data bits (5, 6, 7, 8)")
	fs.IntVarP(&f.stop, "stop", "s", def.StopBits, "stop bits (1, 2)")
	fs.StringVar(&f.parity, "parity", def.Parity, "parity (none, odd, even, mark, space)")
	fs.StringVar(&f.flow, "flow", def.FlowControl, "flow control (none, hardware)")
}

func (f *portFlags) config(port string) (serial.SerialConfig, error) {
	cfg := serial.DefaultConfig()
	cfg.Port = port
	cfg.BaudRate = f.baud
	cfg.DataBits = f.data
	cfg.StopBits = f.stop
	cfg.Parity = strings.ToLower(f.parity)
	cfg.FlowControl = strings.ToLower(f.flow)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration for %s: %w", port, err)
	}
	return cfg, nil
}

type connectOptions struct {
	portFlags
	names []string
}

func newConnectCmd(g *globals) *cobra.Command {
	o := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <port|profile>...",
		Short: "Open one or more serial ports in the dashboard",
		Long: `Open each argument in its own dashboard tab. An argument is either a port
address (COM3, /dev/ttyUSB0, loop://echo) or the name of a saved profile.
Line flags apply to every port argument; profiles keep their own settings.

Keys:
  Tab/Shift+Tab  switch tabs      Enter   send the input line
  PgUp/PgDn      scroll           Ctrl+L  clear the view
  Ctrl+D         disconnect       Ctrl+R  reconnect
  Ctrl+W         close the tab    Ctrl+Q  quit

Examples:
  patterm connect /dev/ttyUSB0 /dev/ttyUSB1 -b 9600
  patterm connect bench loop://echo`,
		Aliases: []string{"open"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := resolveTargets(g, o, args)
			if err != nil {
				return err
			}
			return runTargets(cmd, g, targets)
		},
	}
	o.register(cmd.Flags())
	cmd.Flags().StringSliceVarP(&o.names, "name", "n", nil, "tab names, in argument order")
	return cmd
}

func runTargets(cmd *cobra.Command, g *globals, targets []app.Target) error {
	logger, closer, err := g.fileLogger()
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	a, err := app.New(g.settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.RunInteractive(cmd.Context(), targets, cmd.OutOrStdout())
}

func resolveTargets(g *globals, o *connectOptions, args []string) ([]app.Target, error) {
	if len(o.names) > len(args) {
		return nil, fmt.Errorf("%d names given for %d ports", len(o.names), len(args))
	}

	profiles := g.profiles()
	targets := make([]app.Target, 0, len(args))
	for i, arg := range args {
		t := app.Target{}
		if i < len(o.names) {
			t.Name = o.names[i]
		}

		switch {
		case isSerialPort(arg):
			cfg, err := o.config(arg)
			if err != nil {
				return nil, err
			}
			t.Config = cfg
		case profiles.ProfileExists(arg):
			cfg, err := profiles.LoadProfile(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to load profile %q: %w", arg, err)
			}
			if err := profiles.UpdateLastUsed(arg); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to update profile last used time: %v\n", err)
			}
			t.Config = cfg
			if t.Name == "" {
				t.Name = arg
			}
		default:
			return nil, fmt.Errorf("%q is neither a serial port nor a saved profile", arg)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// isSerialPort checks if the given string looks like a serial port address
func isSerialPort(name string) bool {
	if serial.IsLoopbackAddress(name) {
		return true
	}

	if runtime.GOOS == "windows" {
		upper := strings.ToUpper(name)
		return strings.HasPrefix(upper, "COM") || strings.HasPrefix(name, `\\.\`)
	}

	if !strings.HasPrefix(name, "/dev/") {
		return false
	}
	for _, p := range []string{"tty", "cu.", "serial", "rfcomm"} {
		if strings.HasPrefix(strings.TrimPrefix(name, "/dev/"), p) {
			return true
		}
	}
	return false
}

// profileTimestamp formats profile times for listings
func profileTimestamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}
