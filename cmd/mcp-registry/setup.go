package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-registry-go/pkg/mcpclient"
	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newLogger(cmd *cobra.Command) (*slog.Logger, slog.Level, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(raw)
	if err != nil {
		return nil, 0, err
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return slog.New(handler), level, nil
}

// openRegistry loads the configuration file and connects every enabled
// server. The returned registry must be torn down with DisconnectAll.
func openRegistry(cmd *cobra.Command, logger *slog.Logger, level slog.Level, metrics prometheus.Registerer) (*registry.Registry, string, error) {
	path, _ := cmd.Flags().GetString("config")
	initTimeout, _ := cmd.Flags().GetDuration("init-timeout")

	cfg, err := registry.LoadConfigFile(path)
	if err != nil {
		return nil, path, err
	}

	clientOpts := &mcpclient.Options{
		ClientName:    "mcp-registry",
		ClientVersion: version,
		Logger:        logger,
	}
	if level <= slog.LevelDebug {
		clientOpts.RPCLogger = mcpclient.SlogRPCLogger(logger)
	}
	reg := registry.New(&registry.Options{
		NewClient: mcpclient.NewFactory(clientOpts),
		Logger:    logger,
		Metrics:   metrics,
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, initTimeout)
		defer cancel()
	}
	if err := reg.InitializeFromConfig(ctx, cfg.Servers); err != nil {
		closeRegistry(reg, logger)
		return nil, path, err
	}
	return reg, path, nil
}

func closeRegistry(reg *registry.Registry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.DisconnectAll(ctx); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
}
