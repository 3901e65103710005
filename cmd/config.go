package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"patterm/pkg/app"
	"patterm/pkg/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage saved connection profiles and settings",
		Long: `Manage saved connection profiles.

A profile stores a port address and its line settings under a name, so that
'patterm connect <name>' opens it without repeating flags. Profiles live in
profiles.json inside the profile directory from settings.`,
		Aliases: []string{"profile"},
	}

	cmd.AddCommand(newConfigSaveCmd(g))
	cmd.AddCommand(newConfigLoadCmd(g))
	cmd.AddCommand(newConfigListCmd(g))
	cmd.AddCommand(newConfigDeleteCmd(g))
	cmd.AddCommand(newConfigShowCmd(g))
	cmd.AddCommand(newConfigExportCmd(g))
	cmd.AddCommand(newConfigImportCmd(g))
	cmd.AddCommand(newConfigSettingsCmd(g))
	return cmd
}

func newConfigSaveCmd(g *globals) *cobra.Command {
	var (
		f           portFlags
		port        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Save a connection profile",
		Long: `Save a port and its line settings under a name. Saving over an existing
name replaces its settings and keeps its creation time.

Example:
  patterm config save bench -p /dev/ttyUSB0 -b 9600`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := f.config(port)
			if err != nil {
				return err
			}

			profiles := g.profiles()
			if err := profiles.SaveProfile(name, cfg); err != nil {
				return fmt.Errorf("error saving profile: %w", err)
			}
			if description != "" {
				if err := profiles.SetDescription(name, description); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile '%s' saved successfully.\n", name)
			fmt.Fprintf(out, "  Port: %s\n", cfg.Port)
			fmt.Fprintf(out, "  Line: %s\n", cfg.String())
			fmt.Fprintf(out, "  Flow Control: %s\n", cfg.FlowControl)
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.MarkFlagRequired("port")
	return cmd
}

func newConfigLoadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "load <name>",
		Short: "Connect using a saved profile",
		Long: `Load a saved profile and open it in the dashboard. Same as
'patterm connect <name>'.

Example:
  patterm config load bench`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			profiles := g.profiles()
			cfg, err := profiles.LoadProfile(name)
			if err != nil {
				return fmt.Errorf("error loading profile '%s': %w", name, err)
			}
			profiles.UpdateLastUsed(name)

			fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s at %d baud...\n", cfg.Port, cfg.BaudRate)
			return runTargets(cmd, g, []app.Target{{Name: name, Config: cfg}})
		},
	}
}

func newConfigListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List saved profiles",
		Long:    `Display a list of all saved connection profiles, most recently used first.`,
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := g.profiles().ListProfiles()
			if err != nil {
				return fmt.Errorf("error listing profiles: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No saved profiles found.")
				fmt.Fprintln(out, "\nUse 'patterm config save <name>' to save a profile.")
				return nil
			}

			fmt.Fprintf(out, "Found %d saved profile(s):\n\n", len(list))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT\tLINE\tLAST USED\tCREATED")
			fmt.Fprintln(w, "----\t----\t----\t---------\t-------")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.Name,
					p.Config.Port,
					p.Config.String(),
					profileTimestamp(p.LastUsedAt),
					profileTimestamp(p.CreatedAt))
			}
			w.Flush()

			fmt.Fprintln(out, "\nUse 'patterm connect <name>...' to open profiles.")
			return nil
		},
	}
}

func newConfigDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved profile",
		Long: `Delete a saved connection profile.

Example:
  patterm config delete bench`,
		Aliases: []string{"rm", "remove"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.profiles().DeleteProfile(args[0]); err != nil {
				return fmt.Errorf("error deleting profile '%s': %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' deleted successfully.\n", args[0])
			return nil
		},
	}
}

func newConfigShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show details of a saved profile",
		Long: `Display every setting stored in a profile.

Example:
  patterm config show bench`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profiles().GetProfile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile: %s\n", p.Name)
			fmt.Fprintln(out, strings.Repeat("=", len(p.Name)+9))
			if p.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", p.Description)
			}
			fmt.Fprintf(out, "Port:         %s\n", p.Config.Port)
			fmt.Fprintf(out, "Baud Rate:    %d\n", p.Config.BaudRate)
			fmt.Fprintf(out, "Data Bits:    %d\n", p.Config.DataBits)
			fmt.Fprintf(out, "Stop Bits:    %d\n", p.Config.StopBits)
			fmt.Fprintf(out, "Parity:       %s\n", p.Config.Parity)
			fmt.Fprintf(out, "Flow Control: %s\n", p.Config.FlowControl)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Created:      %s\n", p.CreatedAt.Format(time.RFC3339))
			if p.LastUsedAt.IsZero() {
				fmt.Fprintf(out, "Last Used:    Never\n")
			} else {
				fmt.Fprintf(out, "Last Used:    %s\n", p.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newConfigExportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export <name> <file>",
		Short: "Export a profile to a file",
		Long: `Write one profile to a standalone JSON file that 'config import' accepts.

Example:
  patterm config export bench bench.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.profiles().ExportProfile(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' exported to %s.\n", args[0], args[1])
			return nil
		},
	}
}

func newConfigImportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a profile from a file",
		Long: `Read a profile written by 'config export' and save it under its own name.

Example:
  patterm config import bench.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := g.profiles().ImportProfile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' imported.\n", name)
			return nil
		},
	}
}

func newConfigSettingsCmd(g *globals) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the effective settings",
		Long: `Print the settings after defaults, the settings file and PATTERM_*
environment variables have been applied. With --write the result is saved to
the settings file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if write {
				path := g.configPath
				if path == "" {
					path = config.DefaultSettingsPath()
				}
				if err := g.settings.Save(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", path)
				return nil
			}

			data, err := yaml.Marshal(g.settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "save the effective settings to the settings file")
	return cmd
}
