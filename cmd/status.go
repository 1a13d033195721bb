package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/gateway"
	"onemcp/internal/upstream"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

var (
	statusHost string
	statusPort int
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running gateway",
	Long: `Connects to a running gateway over streamable-http and reports its
upstream connections, aggregated capability counts, active sessions, and
pool and lazy-loading statistics.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

type gatewayStatus struct {
	Capabilities struct {
		Servers   int `json:"servers"`
		Tools     int `json:"tools"`
		Resources int `json:"resources"`
		Prompts   int `json:"prompts"`
	} `json:"capabilities"`
	Connections map[string]string      `json:"connections"`
	Sessions    int                    `json:"sessions"`
	Pool        map[string]interface{} `json:"pool"`
	LazyLoading map[string]interface{} `json:"lazyLoading"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(contextOf(cmd), 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/mcp", statusHost, statusPort)
	client, err := upstream.NewClient("gateway", config.ServerConfig{
		Type: config.TransportStreamableHTTP,
		URL:  url,
	})
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", url, err)
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", url, err)
	}

	statusTool := gateway.BuildName(gateway.ReservedName, gateway.InternalToolStatus)
	result, err := client.CallTool(ctx, statusTool, nil)
	if err != nil {
		return fmt.Errorf("status call failed: %w", err)
	}
	if len(result.Content) == 0 {
		return fmt.Errorf("status call returned no content")
	}
	content, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return fmt.Errorf("unexpected status content type")
	}

	if statusJSON {
		fmt.Println(content.Text)
		return nil
	}

	var status gatewayStatus
	if err := json.Unmarshal([]byte(content.Text), &status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	printStatus(&status)
	return nil
}

func printStatus(status *gatewayStatus) {
	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.SetStyle(table.StyleLight)
	summary.AppendHeader(table.Row{"Servers", "Tools", "Resources", "Prompts", "Sessions"})
	summary.AppendRow(table.Row{
		status.Capabilities.Servers,
		status.Capabilities.Tools,
		status.Capabilities.Resources,
		status.Capabilities.Prompts,
		status.Sessions,
	})
	summary.Render()

	keys := make([]string, 0, len(status.Connections))
	for key := range status.Connections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	connections := table.NewWriter()
	connections.SetOutputMirror(os.Stdout)
	connections.SetStyle(table.StyleLight)
	connections.AppendHeader(table.Row{"Connection", "Status"})
	for _, key := range keys {
		connections.AppendRow(table.Row{key, colorizeStatus(status.Connections[key])})
	}
	connections.Render()

	if status.LazyLoading != nil {
		fmt.Printf("Lazy loading: %d tools registered, %v cached\n",
			intField(status.LazyLoading, "registeredToolCount"),
			intField(status.LazyLoading, "cachedToolCount"))
	}
}

func colorizeStatus(status string) string {
	switch status {
	case string(upstream.StatusConnected):
		return text.FgGreen.Sprint(status)
	case string(upstream.StatusError):
		return text.FgRed.Sprint(status)
	default:
		return text.FgYellow.Sprint(status)
	}
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusHost, "host", "localhost", "Gateway host")
	statusCmd.Flags().IntVar(&statusPort, "port", 3050, "Gateway port")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON instead of tables")
}
