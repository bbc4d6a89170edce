// Command mpsgatewayd runs the federated search gateway as a standalone
// daemon: it loads a configuration file, opens the gateway, starts the
// admin/metrics HTTP surface (SPEC_FULL.md §4.11), and shuts down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fschiettecatte/mps-sub005/adminserver"
	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		adminAddr  string
	)

	cmd := &cobra.Command{
		Use:   "mpsgatewayd",
		Short: "runs the federated search gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel, adminAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to the gateway configuration file (required)")
	flags.StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error|fatal")
	flags.StringVar(&adminAddr, "admin-listen", "", "host:port for the admin/metrics HTTP server; overrides gateway-admin-listen")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func run(ctx context.Context, configPath, logLevel, adminAddrFlag string) error {
	logging.SetLevel(logLevel)
	defer logging.Sync()

	gw, err := gateway.Open(ctx, configPath, lwps.NewDialer())
	if err != nil {
		logging.Errorf("mpsgatewayd: open gateway: %v", err)
		return err
	}
	defer gw.Close()

	if err := gw.WatchConfig(configPath); err != nil {
		logging.Warnf("mpsgatewayd: config watch disabled, falling back to stat-poll: %v", err)
	}

	adminAddr := adminAddrFlag
	if adminAddr == "" {
		if v, ok := gw.EnterRequest(ctx).Config().Get("gateway-admin-listen"); ok {
			adminAddr = v.String()
		}
	}

	var admin *adminserver.Server
	if adminAddr != "" {
		admin = adminserver.New(adminAddr, gw, prometheus.NewRegistry())
		go func() {
			logging.Infof("mpsgatewayd: admin server listening on %s", adminAddr)
			if err := admin.ListenAndServe(); err != nil {
				logging.Warnf("mpsgatewayd: admin server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("mpsgatewayd: received %s, shutting down", sig)
	case <-ctx.Done():
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("mpsgatewayd: admin server shutdown: %v", err)
		}
	}
	return nil
}
