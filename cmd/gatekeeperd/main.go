// Package main provides the CLI entry point for the gatekeeper control
// daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gatekeeperd/gatekeeper/internal/abuse"
	"github.com/gatekeeperd/gatekeeper/internal/config"
	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/driver"
	"github.com/gatekeeperd/gatekeeper/internal/logging"
	"github.com/gatekeeperd/gatekeeper/internal/metrics"
	"github.com/gatekeeperd/gatekeeper/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "gatekeeperd",
		Short:   "gatekeeperd is the firewall gatekeeper control daemon",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(defaultConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gatekeeper control daemon",
		Long:  "Bind the TCP control channel (and, if configured, a WebSocket ingress) and serve login/block/accept commands until terminated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configPath == "" {
				cfg = config.Default()
			} else {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if configPath == "" {
				if key := os.Getenv("GATEKEEPER_ACCESS_KEY"); key != "" {
					cfg.Auth.AccessKey = key
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("default config invalid (set GATEKEEPER_ACCESS_KEY or pass --config): %w", err)
				}
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			logger.Info("starting gatekeeperd", logging.KeyComponent, "main", "version", Version)

			reg := prometheus.NewRegistry()
			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New(reg)
			}

			var drv driver.Driver
			switch cfg.Driver.Kind {
			case "mock":
				drv = driver.NewMock(true)
			default:
				drv = driver.NewCLIDriver(cfg.Driver.Binary)
			}
			resolveCtx, resolveCancel := context.WithTimeout(context.Background(), server.DriverCallTimeout)
			ok, err := drv.Resolve(resolveCtx)
			resolveCancel()
			if err != nil || !ok {
				return fmt.Errorf("driver not usable (kind=%s): %w", cfg.Driver.Kind, err)
			}

			var sink abuse.Sink
			if m != nil {
				sink = m
			}
			guard := abuse.NewGuard(cfg.Auth.LoginErrorLimit, cfg.Abuse.BlockingTime, sink)

			srvCfg := server.Config{
				Address:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
				Driver:          drv,
				AccessKey:       []byte(cfg.Auth.AccessKey),
				AccessKeyHash:   crypto.HashAccessKey([]byte(cfg.Auth.AccessKey), nil),
				Secure:          cfg.Auth.Secure,
				LoginErrorLimit: cfg.Auth.LoginErrorLimit,
				AllowedPorts:    cfg.AllowedPortSet(),
				AllowAllPorts:   cfg.Driver.AllowAllPorts,
				Sudo:            cfg.Driver.Sudo,
				Version:         cfg.Auth.Version,
				Guard:           guard,
				Logger:          logger,
				RatePerSecond:   cfg.RateLimit.PerSecond,
				RateBurst:       cfg.RateLimit.Burst,
			}
			if m != nil {
				srvCfg.Metrics = m
			}
			if cfg.WebSocket.Enabled {
				srvCfg.WebSocket = &server.WebSocketConfig{
					Address:           cfg.WebSocket.Address,
					Path:              cfg.WebSocket.Path,
					ControlPort:       cfg.Listen.Port,
					PlainText:         true,
					BasicAuthUser:     cfg.WebSocket.BasicAuthUser,
					BasicAuthPassword: cfg.WebSocket.BasicAuthPassword,
				}
			}

			srv := server.New(srvCfg)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			logger.Info("listening", logging.KeyAddress, srv.Address().String())

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server stopped", logging.KeyError, err.Error())
					}
				}()
				logger.Info("metrics listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsServer != nil {
				_ = metricsServer.Shutdown(ctx)
			}
			if err := srv.StopWithContext(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("gatekeeperd stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults applied if omitted)")

	return cmd
}

func defaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.Default().StringUnsafe())
			return nil
		},
	}
}
