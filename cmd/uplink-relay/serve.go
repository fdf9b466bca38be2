package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/internal/config"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/metrics"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/relay"
	"github.com/moltbunker/uplink/internal/util"
)

func newServeCmd() *cobra.Command {
	var tcpAddress, wsAddress string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay until SIGINT or SIGTERM.

On shutdown the listeners are closed and every running session is asked to
shut down cleanly; sessions still running after relay.shutdown_timeout_secs
are closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tcp") {
				cfg.Relay.TCPAddress = tcpAddress
			}
			if cmd.Flags().Changed("websocket") {
				cfg.Relay.WebSocketAddress = wsAddress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&tcpAddress, "tcp", "", "TCP listen address (overrides relay.tcp_address, empty disables)")
	cmd.Flags().StringVar(&wsAddress, "websocket", "", "WebSocket listen address (overrides relay.websocket_address)")

	return cmd
}

// loadConfig reads the configuration, applies the logging section and checks
// the protocol section
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	logging.EnableRedaction()
	if _, err := cfg.Settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs a relay configured by cfg until ctx is done
func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	collector := metrics.NewPrometheusCollector(metrics.NewCollector())
	opts, err := cfg.RelayOptions(collector)
	if err != nil {
		return err
	}
	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}

	r := relay.New(opts)
	srv := relay.NewServer(r, serverCfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	for _, addr := range srv.Addrs() {
		fmt.Fprintf(out, "Relay listening on %s\n", addr)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		var addr net.Addr
		metricsServer, addr, err = startMetricsServer(cfg.Metrics, collector)
		if err != nil {
			shutdownRelay(srv, cfg.ShutdownTimeout())
			return err
		}
		fmt.Fprintf(out, "Metrics on http://%s%s\n", addr, cfg.Metrics.Path)
	}

	logging.Info("relay started", "protocol_version", protocol.ProtocolVersion, logging.Component("relay"))
	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down...")

	err = shutdownRelay(srv, cfg.ShutdownTimeout())
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if mErr := metricsServer.Shutdown(shutdownCtx); mErr != nil {
			logging.Warn("metrics server shutdown failed", logging.Err(mErr), logging.Component("metrics"))
		}
	}
	return err
}

func shutdownRelay(srv *relay.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	logging.Info("relay stopped", logging.Component("relay"))
	return nil
}

// startMetricsServer serves Prometheus metrics on cfg.Path and the JSON
// snapshot on /status
func startMetricsServer(cfg config.MetricsConfig, collector *metrics.PrometheusCollector) (*http.Server, net.Addr, error) {
	l, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, collector.PrometheusHandler())
	mux.Handle("/status", collector.JSONHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	util.SafeGoWithName("metrics-server", func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", logging.Err(err), logging.Component("metrics"))
		}
	})
	return srv, l.Addr(), nil
}
