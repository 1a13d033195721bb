package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the onemcp binary.
var rootCmd = &cobra.Command{
	Use:   "onemcp",
	Short: "Aggregate multiple MCP servers behind one endpoint",
	Long: `onemcp is an MCP aggregation gateway: it connects to a set of upstream
MCP servers (stdio, SSE, or streamable-http), merges their tools, resources,
and prompts into one namespace, and exposes them to MCP clients through a
single inbound endpoint.

Upstream names are kept apart with composite identifiers of the form
{server}_1mcp_{name}. Template server definitions are instantiated per
session or shared by rendered configuration, and lazy loading can collapse
large tool surfaces into three meta-tools.`,
	SilenceUsage: true,
}

// SetVersion injects the build version from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the running build's version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "onemcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
