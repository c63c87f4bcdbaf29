package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "dropshelf",
		Short:        "dropshelf - shared file shelves paired by QR code",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		serveCmd(),
		tenantCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
