package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-registry-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregated registry as one Streamable MCP endpoint",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8700", "Listen address")
	cmd.Flags().String("path", "/mcp", "HTTP path of the MCP endpoint")
	cmd.Flags().Bool("watch", true, "Reconcile servers when the configuration file changes")
	cmd.Flags().String("token", os.Getenv("MCP_REGISTRY_TOKEN"), "Static bearer token required on the MCP and admin routes")
	cmd.Flags().StringSlice("cors-origin", []string{"*"}, "Allowed CORS origins")
	cmd.Flags().Bool("no-admin", false, "Disable the REST admin routes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	path, _ := cmd.Flags().GetString("path")
	watch, _ := cmd.Flags().GetBool("watch")
	token, _ := cmd.Flags().GetString("token")
	origins, _ := cmd.Flags().GetStringSlice("cors-origin")
	noAdmin, _ := cmd.Flags().GetBool("no-admin")

	logger, level, err := newLogger(cmd)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg, configPath, err := openRegistry(cmd, logger, level, metrics)
	if err != nil {
		return err
	}
	defer closeRegistry(reg, logger)

	corsOpts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "WWW-Authenticate"},
	}
	opts := &mcpgateway.Options{
		Addr:         addr,
		Path:         path,
		Logger:       logger,
		Gatherer:     metrics,
		CORS:         &corsOpts,
		DisableAdmin: noAdmin,
	}
	if token != "" {
		opts.TokenVerifier = staticTokenVerifier(token)
	}
	gateway, err := mcpgateway.NewGateway(reg, opts)
	if err != nil {
		return err
	}
	defer gateway.Close()

	if watch {
		watcher, err := registry.NewConfigWatcher(registry.WatcherConfig{
			Registry: reg,
			Path:     configPath,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	if err := gateway.ListenAndServe(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func staticTokenVerifier(expected string) auth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
