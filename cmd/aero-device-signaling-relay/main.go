package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/hub"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-device-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"ice_servers", len(cfg.ICEServers),
		"signaling_ws_ping_interval", cfg.WSPingInterval,
		"signaling_ws_idle_timeout", cfg.WSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxMessagesPerSecond,
		"hub_command_queue_size", cfg.CommandQueueSize,
		"verify_invariants", cfg.VerifyInvariants,
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, ln); err != nil {
		stop()
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is done or the hub or HTTP server fails. Connections
// are closed before the hub stops so their unregistrations are still applied.
func run(ctx context.Context, logger *slog.Logger, cfg config.Config, ln net.Listener) error {
	m := metrics.New()

	h := hub.New(hub.Config{
		Logger:           logger.With("component", "hub"),
		Metrics:          m,
		QueueSize:        cfg.CommandQueueSize,
		VerifyInvariants: cfg.VerifyInvariants,
	})

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, m)
	srv.AddReadinessCheck("hub", func() error {
		select {
		case <-h.Done():
			return hub.ErrStopped
		default:
			return nil
		}
	})

	origins := origin.NewPolicy(cfg.AllowedOrigins)
	sig := signaling.NewServer(signaling.Config{
		Relay:                 h.Handle(),
		Logger:                logger.With("component", "signaling"),
		Metrics:               m,
		Origins:               &origins,
		PingInterval:          cfg.WSPingInterval,
		IdleTimeout:           cfg.WSIdleTimeout,
		MaxMessageBytes:       cfg.MaxMessageBytes,
		MaxMessagesPerSecond:  cfg.MaxMessagesPerSecond,
		OutboundQueueMessages: cfg.OutboundQueueMessages,
		OutboundQueueBytes:    cfg.OutboundQueueBytes,
	})
	sig.RegisterRoutes(srv.Mux())

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.Run(hubCtx); !errors.Is(err, context.Canceled) {
			return fmt.Errorf("hub: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown requested")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		sig.Close()
		stopHub()
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
