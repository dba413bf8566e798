package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/hostd/internal/config"
	"github.com/loykin/hostd/internal/host"
	"github.com/loykin/hostd/internal/logger"
	"github.com/loykin/hostd/internal/metrics"
	"github.com/loykin/hostd/internal/server"
	"github.com/loykin/hostd/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

type ServeFlags struct {
	Listen    string
	Daemonize bool
	PIDFile   string
	LogFile   string

	// ready, when set, receives the bound API address.
	ready func(addr string)
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the host: backend supervisor, local state and IPC API",
		Long: `Run the host in the foreground until SIGINT/SIGTERM.

Examples:
  hostd serve
  hostd serve ./hostd.toml
  hostd serve --listen=127.0.0.1:7420
  hostd serve --daemonize --pidfile=/tmp/hostd.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PIDFile, serveFlags.LogFile)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "write the daemon pid here (with --daemonize)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file (with --daemonize)")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.Handler()
	}

	h, err := host.New(cfg, host.WithLogger(log))
	if err != nil {
		return err
	}
	var backendDone chan struct{}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			log.Error("host close", "error", err)
		}
		if backendDone != nil {
			<-backendDone
		}
	}()

	if err := h.BootLocal(ctx); err != nil {
		return err
	}
	// The backend comes up after the API is listening so records, settings
	// and /events are reachable while it starts.
	startBackend := func() {
		if !cfg.Backend.AutoStart {
			return
		}
		backendDone = make(chan struct{})
		go func() {
			defer close(backendDone)
			startInBackground(ctx, h, log)
		}()
	}

	if !cfg.Server.Enabled {
		log.Info("IPC server disabled; running until signalled")
		startBackend()
		<-ctx.Done()
		return nil
	}

	var opts []server.Option
	opts = append(opts, server.WithLogger(log))
	if metricsHandler != nil {
		opts = append(opts, server.WithMetrics(metricsHandler))
	}
	router := server.NewRouter(h, cfg.Server.BasePath, opts...)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	addr := ln.Addr().String()
	log.Info("IPC API listening", "addr", addr, "base_path", cfg.Server.BasePath)
	_, _ = fmt.Fprintf(out, "hostd listening on http://%s%s\n", addr, cfg.Server.BasePath)
	if flags.ready != nil {
		flags.ready(addr)
	}
	startBackend()
	return server.Serve(ctx, server.New(addr, router.Handler()), ln)
}

// startInBackground runs the first backend start. A failure only disables
// the backend; local features stay available and the UI can retry via
// /backend/restart.
func startInBackground(ctx context.Context, h *host.Host, log *slog.Logger) {
	err := h.StartBackend(ctx)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrStopped), errors.Is(err, host.ErrClosed):
		log.Debug("backend start abandoned during shutdown", "error", err)
	default:
		var pe *supervisor.ProcessError
		if errors.As(err, &pe) {
			log.Warn("backend did not start", "error", err)
			return
		}
		log.Error("backend start failed", "error", err)
	}
}
