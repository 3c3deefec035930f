package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy and admin listeners",
	Long: `Load the configuration, open the state store and serve proxied traffic on
server.listen and the admin API on admin.listen until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Load configuration before the logger so level/format apply.
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("keyproxy starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f), zap.Int("targets", len(cfg.Targets)))
	} else {
		logger.Warn("no configuration file found, using defaults and environment")
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		logger.Info("keyproxy stopped")
	}()

	if err := a.start(ctx); err != nil {
		return err
	}

	proxyLn, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	var adminLn net.Listener
	if a.admin != nil {
		adminLn, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			_ = proxyLn.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
	}

	err = a.serve(ctx, proxyLn, adminLn)
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	return err
}

// contextOrBackground guards against commands run without Execute, whose
// context is nil.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
