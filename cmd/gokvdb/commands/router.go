package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gokvdb/internal/config"
	kvmetrics "github.com/dantte-lp/gokvdb/internal/metrics"
	"github.com/dantte-lp/gokvdb/internal/router"
	appversion "github.com/dantte-lp/gokvdb/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func routerCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
		tlsCert     string
		tlsKey      string
	)

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Run the routing daemon",
		Long: "Runs the central router that accepts database peers and clients, " +
			"replicates mutations to every peer, and dispatches reads.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// CLI flags override the file and environment layers.
			pf := rootCmd.PersistentFlags()
			if pf.Changed("host") || pf.Changed("port") {
				cfg.Listen.Addr = listenAddr()
			}
			if flagEndpoint != "" {
				cfg.Listen.Addr = flagEndpoint
			}
			if pf.Changed("password") {
				cfg.Auth.Password = flagPassword
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if tlsCert != "" {
				cfg.TLS.CertFile = tlsCert
			}
			if tlsKey != "" {
				cfg.TLS.KeyFile = tlsKey
			}
			if flagVerbose {
				cfg.Log.Level = "debug"
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			return runRouter(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file for the routing listener")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file for the routing listener")
	return cmd
}

// runRouter wires up and runs the router daemon: the routing listener, the
// optional metrics endpoint, signal handling, and systemd notifications.
func runRouter(cfg *config.Config) error {
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, closeLog, err := newDaemonLogger(cfg.Log, logLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("gokvdb router starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.Listen.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	var tlsConf *tls.Config
	if cfg.TLS.Enabled() {
		cert, cerr := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if cerr != nil {
			return fmt.Errorf("load TLS keypair: %w", cerr)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	reg := prometheus.NewRegistry()
	collector := kvmetrics.NewCollector(reg)

	srv := router.New(router.Config{
		Addr:          cfg.Listen.Addr,
		Password:      cfg.Auth.Password,
		AuthFailDelay: cfg.Auth.FailDelay,
		TLS:           tlsConf,
	}, logger, router.WithMetrics(collector))

	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gCtx)
	})

	if cfg.Metrics.Addr != "" {
		startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	}

	startSIGHUPReload(gCtx, g, logLevel, logger)

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		notifyStopping(logger)
		return fmt.Errorf("run router: %w", err)
	}
	notifyStopping(logger)

	logger.Info("gokvdb router stopped")
	return nil
}

// newDaemonLogger builds the daemon logger honoring the configured format
// and the shared --logfile flag, with a dynamic level for SIGHUP reload.
func newDaemonLogger(lc config.LogConfig, level *slog.LevelVar) (*slog.Logger, func(), error) {
	var w *os.File = os.Stderr
	closer := func() {}
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", flagLogFile, err)
		}
		w = f
		closer = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// startMetricsServer registers the Prometheus HTTP endpoint goroutines.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	mc config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", mc.Addr),
			slog.String("path", mc.Path),
		)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}

// startSIGHUPReload registers the SIGHUP handler that toggles the dynamic
// log level: any level other than debug becomes debug, and debug becomes
// info.
func startSIGHUPReload(
	ctx context.Context,
	g *errgroup.Group,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				old := logLevel.Level()
				next := slog.LevelDebug
				if old == slog.LevelDebug {
					next = slog.LevelInfo
				}
				logLevel.Set(next)
				logger.Info("received SIGHUP, toggled log level",
					slog.String("old", old.String()),
					slog.String("new", next.String()),
				)
			}
		}
	})
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}
