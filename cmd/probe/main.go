// Command probe connects to the MCP servers listed in an mcpServers config
// file, prints their tools and optionally calls one of them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"dify-mcp/bridge/internal/logging"
	"dify-mcp/bridge/internal/mcphost"
)

type cli struct {
	configFile string
	server     string
	tool       string
	arguments  string
	timeout    time.Duration
	logLevel   string
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewLogger(c.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	manager := mcphost.NewManager(logger.Named("mcphost"), nil)
	if err := manager.LoadConfig(c.configFile); err != nil {
		return err
	}
	defer manager.Close()

	ids := manager.ServerIDs()
	if c.server != "" {
		ids = []string{c.server}
	}
	for _, id := range ids {
		if err := manager.Connect(ctx, id); err != nil {
			logger.Error("Failed to connect", "server", id, "error", err)
		}
	}

	if c.tool == "" {
		return printTools(cmd, manager.AllTools(ctx))
	}

	if c.server == "" {
		return errors.New("--server is required with --call")
	}
	toolArgs := map[string]interface{}{}
	if c.arguments != "" {
		if err := json.Unmarshal([]byte(c.arguments), &toolArgs); err != nil {
			return fmt.Errorf("invalid --args: %w", err)
		}
	}
	if !manager.AutoApproved(c.server, c.tool) {
		logger.Warn("Tool is not auto-approved; calling because it was requested explicitly", "server", c.server, "tool", c.tool)
	}

	result, err := manager.CallTool(ctx, c.server, c.tool, toolArgs)
	if err != nil {
		return err
	}
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			fmt.Fprintln(cmd.OutOrStdout(), text.Text)
		}
	}
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", c.tool)
	}
	return nil
}

func printTools(cmd *cobra.Command, all map[string][]mcp.Tool) error {
	out := cmd.OutOrStdout()
	for id, tools := range all {
		fmt.Fprintf(out, "%s:\n", id)
		for _, tool := range tools {
			fmt.Fprintf(out, "  %s  %s\n", tool.Name, tool.Description)
		}
	}
	return nil
}

func main() {
	c := &cli{}

	cmd := &cobra.Command{
		Use:           "probe",
		Short:         "List or call tools of configured MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.run,
	}
	cmd.Flags().StringVar(&c.configFile, "config", "mcp_config.json", "Path to the mcpServers config file")
	cmd.Flags().StringVar(&c.server, "server", "", "Only connect to this server id")
	cmd.Flags().StringVar(&c.tool, "call", "", "Tool to call instead of listing tools")
	cmd.Flags().StringVar(&c.arguments, "args", "", "JSON object of tool arguments")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "Overall timeout")
	cmd.Flags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
