package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"dropshelf-server/internal/config"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/logging"
	"dropshelf-server/internal/server"
	"dropshelf-server/internal/tenant"
	"github.com/spf13/cobra"
)

// tenantCmd edits the registries directly. It must not run alongside a
// server using the same data directory.
func tenantCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants offline (stop the server first)",
	}
	defaultDir := os.Getenv("DATA_DIR")
	if defaultDir == "" {
		defaultDir = "./data"
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDir, "data directory")

	open := func() (*tenant.Registry, *device.Registry, error) {
		return server.OpenRegistries(config.Config{DataDir: dataDir}, logging.Discard())
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create [name]",
			Short: "Create a tenant; a name is generated when omitted",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tenants, _, err := open()
				if err != nil {
					return err
				}
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				t, err := tenants.Create(name)
				if err != nil {
					return err
				}
				code, err := tenants.PermanentCode(t.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tjoin code %s\n", t.ID, code)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List tenants with their visibility and device count",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				tenants, devices, err := open()
				if err != nil {
					return err
				}
				counts := devices.CountByTenant()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tVISIBILITY\tDEVICES\tADMIN")
				for _, t := range tenants.List() {
					vis := "public"
					if !t.Public {
						vis = "private"
					}
					admin := "-"
					if t.AdminDevice != "" {
						admin = t.AdminDevice
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, vis, counts[t.ID], admin)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "rename <old> <new>",
			Short: "Rename a tenant and repoint its devices",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				tenants, _, err := open()
				if err != nil {
					return err
				}
				if err := tenants.Rename(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}
