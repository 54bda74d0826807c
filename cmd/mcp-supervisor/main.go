// Command mcp-supervisor launches the tool servers listed in a YAML file,
// keeps them connected, and serves a read-only diagnostics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "mcp-supervisor",
		Short:         "Supervise MCP tool servers over stdio",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "mcp-supervisor.yaml", "Path to the supervisor config file")

	root.AddCommand(
		newRunCmd(&cfgFile),
		newCheckCmd(&cfgFile),
	)
	return root
}
