package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"patterm/pkg/serial"
)

type listOptions struct {
	details bool
	format  string
}

func newListCmd(g *globals) *cobra.Command {
	o := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Long: `List all available serial ports on the system, followed by the virtual
loopback ports configured in settings.

On different platforms:
  - Windows: Lists COM ports
  - Linux: Lists /dev/tty* devices
  - macOS: Lists /dev/cu.* and /dev/tty.* devices`,
		Aliases: []string{"ls", "ports"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, g, o)
		},
	}
	cmd.Flags().BoolVarP(&o.details, "details", "d", false, "show detailed port information")
	cmd.Flags().StringVarP(&o.format, "format", "f", "table", "output format (table, csv, json)")
	return cmd
}

func runList(cmd *cobra.Command, g *globals, o *listOptions) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	factory := serial.NewRouter(
		serial.NewNativeFactory(logger),
		serial.NewLoopbackFactory(g.settings.LoopbackPrefix, g.settings.LoopbackPorts...),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	ports, err := factory.ListPorts(ctx)
	if err != nil {
		return fmt.Errorf("error listing ports: %w", err)
	}

	out := cmd.OutOrStdout()
	switch o.format {
	case "csv":
		return printPortsCSV(out, ports, o.details)
	case "json":
		return printPortsJSON(out, ports, o.details)
	case "table", "":
		printPortsTable(out, ports, o.details)
		return nil
	default:
		return fmt.Errorf("unknown format %q", o.format)
	}
}

func printPortsTable(w io.Writer, ports []serial.PortInfo, details bool) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found.")
		return
	}
	fmt.Fprintf(w, "Found %d serial port(s):\n", len(ports))

	if !details {
		for _, p := range ports {
			fmt.Fprintf(w, "  %s\n", p.Address)
		}
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  PORT\tUSB\tVID:PID\tMANUFACTURER\tSERIAL")
		for _, p := range ports {
			usb, ids := "", ""
			if p.IsUSB {
				usb = "yes"
				ids = p.VendorID + ":" + p.ProductID
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", p.Address, usb, ids, p.Manufacturer, p.SerialNumber)
		}
		tw.Flush()
	}

	fmt.Fprintln(w, "\nUse 'patterm connect <port>...' to open one tab per port.")
}

func printPortsCSV(w io.Writer, ports []serial.PortInfo, details bool) error {
	cw := csv.NewWriter(w)
	if details {
		cw.Write([]string{"port", "is_usb", "vid", "pid", "manufacturer", "serial_number"})
		for _, p := range ports {
			cw.Write([]string{p.Address, strconv.FormatBool(p.IsUSB), p.VendorID, p.ProductID, p.Manufacturer, p.SerialNumber})
		}
	} else {
		cw.Write([]string{"port"})
		for _, p := range ports {
			cw.Write([]string{p.Address})
		}
	}
	cw.Flush()
	return cw.Error()
}

func printPortsJSON(w io.Writer, ports []serial.PortInfo, details bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if details {
		return enc.Encode(ports)
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Address)
	}
	return enc.Encode(names)
}
