package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/filtering"
	"onemcp/internal/gateway"
	"onemcp/internal/lazy"
	"onemcp/internal/pool"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregation gateway",
	Long: `Starts the gateway: connects to the configured upstream MCP servers,
aggregates their capabilities, and serves the inbound MCP endpoint on the
configured transport.

Configuration is read from config.yaml in --config-path (default:
~/.config/onemcp). The file is watched; edits are applied to the running
upstream set without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := serveConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.Gateway.LogLevel)
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := template.New()

	// Template definitions are instantiated on demand by the pool; only
	// static servers go to the connection manager up front. The reserved
	// name can never be a configured server.
	staticServers := make(map[string]config.ServerConfig)
	for name, sc := range cfg.MCPServers {
		if name == gateway.ReservedName {
			logging.Warn("Serve", "Server name %q is reserved, ignoring its definition", name)
			continue
		}
		if pool.IsTemplate(engine, sc) {
			logging.Info("Serve", "Server %s is a template definition, instantiated on demand", name)
			continue
		}
		staticServers[name] = sc
	}

	manager := upstream.NewManager(staticServers)
	instancePool := pool.New(manager, engine, cfg.Pool)
	agg := aggregator.New(manager)

	orch, err := lazy.New(cfg.LazyLoading, gateway.ConnectionResolver(manager, instancePool))
	if err != nil {
		return fmt.Errorf("failed to initialize lazy loading: %w", err)
	}

	filters := filtering.NewService(cfg.Presets)
	gw := gateway.New(&cfg, rootCmd.Version, manager, agg, instancePool, orch, filters, engine)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	agg.Update(ctx)
	instancePool.Start(ctx)

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg config.Config) {
		static := make(map[string]config.ServerConfig)
		for name, sc := range newCfg.MCPServers {
			if name == gateway.ReservedName || pool.IsTemplate(engine, sc) {
				continue
			}
			static[name] = sc
		}
		manager.ApplyConfig(ctx, static)
	})
	if err != nil {
		logging.Warn("Serve", "Config watching disabled: %v", err)
	} else {
		watcher.Start(ctx)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Debug("Serve", "sd_notify ready failed: %v", err)
	}

	<-ctx.Done()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logging.Debug("Serve", "sd_notify stopping failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logging.Error("Serve", err, "Error stopping gateway")
	}
	instancePool.Stop()
	if err := manager.Stop(shutdownCtx); err != nil {
		logging.Error("Serve", err, "Error stopping connection manager")
	}

	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default: ~/.config/onemcp)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging regardless of configured level")
}
