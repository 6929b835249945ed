package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

var (
	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Authentication management commands",
		Long:  "Commands for managing OAuth authentication with remote MCP servers",
	}

	authLoginCmd = &cobra.Command{
		Use:   "login",
		Short: "Authenticate with an OAuth-protected server",
		Long: `Run the interactive OAuth authorization flow for a server.
The command opens your default browser for authorization and stores the
resulting tokens in the local database.

Examples:
  mcpconnect auth login --server=github
  mcpconnect auth login --server=linear --timeout=5m`,
		RunE: runAuthLogin,
	}

	authStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show stored token status for all servers",
		RunE:  runAuthStatus,
	}

	authLogoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Remove stored tokens and client registration for a server",
		RunE:  runAuthLogout,
	}

	authServerName string
	authTimeout    time.Duration
)

// GetAuthCommand returns the auth command for adding to the root command
func GetAuthCommand() *cobra.Command {
	return authCmd
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authLogoutCmd)

	authLoginCmd.Flags().StringVarP(&authServerName, "server", "s", "", "Server name from configuration (required)")
	authLoginCmd.Flags().DurationVar(&authTimeout, "timeout", 5*time.Minute, "Authorization timeout")
	if err := authLoginCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("Failed to mark server flag as required: %v", err))
	}

	authLogoutCmd.Flags().StringVarP(&authServerName, "server", "s", "", "Server name from configuration (required)")
	if err := authLogoutCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("Failed to mark server flag as required: %v", err))
	}
}

// openAuthDeps opens the storage and OAuth components shared by the auth
// subcommands. The caller must Close the returned store.
func openAuthDeps() (*storage.BoltDB, *oauth.TokenManager, *oauth.Flow, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newCLILogger()
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := storage.NewBoltDB(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open storage (is the daemon running?): %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	tokens := oauth.NewTokenManager(httpClient, store, nil, logger)
	flow := oauth.NewFlow(httpClient, store, logger, nil)
	return store, tokens, flow, nil
}

func runAuthLogin(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	server := cfg.GetServer(authServerName)
	if server == nil {
		return fmt.Errorf("server %q not found in configuration", authServerName)
	}

	store, _, flow, err := openAuthDeps()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	fmt.Printf("Starting OAuth authorization for %s (%s)\n", server.Name, server.URL)
	fmt.Println("A browser window will open shortly...")

	rec, err := flow.Authorize(ctx, server)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Printf("✅ Authenticated with %s\n", server.Name)
	fmt.Printf("   Access token: %s\n", oauth.MaskSecret(rec.AccessToken))
	if !rec.ExpiresAt.IsZero() {
		fmt.Printf("   Expires at:   %s\n", rec.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func runAuthStatus(_ *cobra.Command, _ []string) error {
	store, tokens, _, err := openAuthDeps()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No stored tokens. Run 'mcpconnect auth login --server=<name>' to authenticate.")
		return nil
	}

	for _, rec := range records {
		state := "valid"
		if tokens.IsExpired(rec) {
			if rec.RefreshToken != "" {
				state = "expired (refreshable)"
			} else {
				state = "expired (login required)"
			}
		}
		fmt.Printf("%-20s %-25s token=%s", rec.ServerName, state, oauth.MaskSecret(rec.AccessToken))
		if !rec.ExpiresAt.IsZero() {
			fmt.Printf("  expires=%s", rec.ExpiresAt.Local().Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

func runAuthLogout(_ *cobra.Command, _ []string) error {
	store, tokens, _, err := openAuthDeps()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := tokens.Forget(authServerName); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	fmt.Printf("Removed stored tokens and client registration for %s\n", authServerName)
	return nil
}
