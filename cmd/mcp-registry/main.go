package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mcp-registry",
		Short:        "Aggregate MCP servers behind one capability registry",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "mcp-servers.yaml", "Path to the server configuration file (YAML or JSON)")
	root.PersistentFlags().String("log-level", "info", "Log level: debug | info | warn | error")
	root.PersistentFlags().Duration("init-timeout", 30*time.Second, "Time allowed for the initial server connections")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("mcp-registry version %s\n", version))

	root.AddCommand(newServeCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newCallCmd())
	return root
}

// exitError carries a process exit code back to main.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
