package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

var (
	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "Manage configured MCP servers",
	}

	serversListCmd = &cobra.Command{
		Use:   "list",
		Short: "List configured servers and their stored state",
		RunE:  runServersList,
	}
)

// GetServersCommand returns the servers command for adding to the root command
func GetServersCommand() *cobra.Command {
	return serversCmd
}

func init() {
	serversCmd.AddCommand(serversListCmd)
}

func runServersList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.Servers) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	logger, err := newCLILogger()
	if err != nil {
		return err
	}
	store, err := storage.NewBoltDB(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage (is the daemon running?): %w", err)
	}
	defer func() { _ = store.Close() }()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tAUTH\tENABLED\tTOKEN")
	for _, srv := range cfg.Servers {
		enabled := srv.Enabled
		if state, err := store.GetServerState(srv.Name); err == nil && state != nil {
			enabled = state.Enabled
		}

		auth := "open"
		if srv.RequiresAuth {
			auth = "oauth"
		}

		token := "-"
		if rec, err := store.GetToken(srv.Name); err == nil && rec != nil {
			token = "stored"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", srv.Name, srv.URL, auth, enabled, token)
	}
	return w.Flush()
}
