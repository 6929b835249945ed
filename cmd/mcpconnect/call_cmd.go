package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/protocol"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

var (
	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call tools on remote servers",
	}

	callToolCmd = &cobra.Command{
		Use:   "tool",
		Short: "Call a specific tool on a remote server",
		Long: `Call a tool on a remote server using the server:tool_name format.
The connection is established directly, reusing any stored OAuth tokens.

Examples:
  mcpconnect call tool --tool-name=github:list_issues --json-args='{"repo":"cli/cli"}'
  mcpconnect call tool --tool-name=linear:search --json-args='{"query":"bug"}' --output=json`,
		RunE: runCallTool,
	}

	callToolName     string
	callJSONArgs     string
	callTimeout      time.Duration
	callOutputFormat string
)

// GetCallCommand returns the call command for adding to the root command
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.AddCommand(callToolCmd)

	callToolCmd.Flags().StringVarP(&callToolName, "tool-name", "t", "", "Tool name in format server:tool_name (required)")
	callToolCmd.Flags().StringVarP(&callJSONArgs, "json-args", "j", "{}", "JSON arguments for the tool")
	callToolCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Tool call timeout")
	callToolCmd.Flags().StringVarP(&callOutputFormat, "output", "o", "pretty", "Output format (pretty, json)")

	if err := callToolCmd.MarkFlagRequired("tool-name"); err != nil {
		panic(fmt.Sprintf("Failed to mark tool-name flag as required: %v", err))
	}
}

func runCallTool(_ *cobra.Command, _ []string) error {
	serverName, toolName, err := splitToolName(callToolName)
	if err != nil {
		return err
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(callJSONArgs), &args); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	server := cfg.GetServer(serverName)
	if server == nil {
		names := make([]string, 0, len(cfg.Servers))
		for _, srv := range cfg.Servers {
			names = append(names, srv.Name)
		}
		return fmt.Errorf("server %q not found in configuration. Available servers: %v", serverName, names)
	}

	logger, err := newCLILogger()
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	var tokenProvider protocol.TokenProvider
	if server.RequiresAuth {
		store, err := storage.NewBoltDB(cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("failed to open storage (is the daemon running?): %w", err)
		}
		defer func() { _ = store.Close() }()

		tokens := oauth.NewTokenManager(httpClient, store, nil, logger)
		tokenProvider = func(ctx context.Context) (string, error) {
			rec, err := tokens.EnsureValid(ctx, server)
			if err != nil {
				return "", err
			}
			if rec == nil {
				return "", fmt.Errorf("no valid token for %s, run 'mcpconnect auth login --server=%s'", serverName, serverName)
			}
			return rec.AccessToken, nil
		}
	}

	client := protocol.NewClient(server.URL, protocol.Options{
		HTTPClient: httpClient,
		Logger:     logger,
		Headers:    server.Headers,
		Tokens:     tokenProvider,
	})

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	fmt.Printf("Connecting to server %q...\n", serverName)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverName, err)
	}
	defer client.Disconnect()

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("failed to call tool %q: %w", toolName, err)
	}

	if callOutputFormat == "json" {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result as JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}
	printCallResult(os.Stdout, result)
	return nil
}

// splitToolName splits a server:tool_name reference into its two halves.
func splitToolName(name string) (string, string, error) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid tool name format: %s (expected server:tool_name)", name)
	}
	return parts[0], parts[1], nil
}

func printCallResult(w io.Writer, result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Fprintln(w, "Tool returned an error:")
	}
	for _, item := range result.Content {
		if text, ok := item.(mcp.TextContent); ok {
			fmt.Fprintln(w, text.Text)
			continue
		}
		fmt.Fprintf(w, "%+v\n", item)
	}
}
