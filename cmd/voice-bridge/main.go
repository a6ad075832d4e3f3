package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voice-bridge/pkg/bridge/config"
	"github.com/vango-go/voice-bridge/pkg/bridge/geocode"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
	"github.com/vango-go/voice-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/voice-bridge/pkg/bridge/metrics"
	"github.com/vango-go/voice-bridge/pkg/bridge/server"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
	"github.com/vango-go/voice-bridge/pkg/bridge/telemetry"
)

var version = "dev"

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newGenerator func(context.Context, config.Config, *slog.Logger) (itinerary.Generator, error)
	newUpstream  session.UpstreamFactory
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:   config.LoadFromEnv,
		newGenerator: newGenerator,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newGenerator picks the itinerary backend and adds geocoding when a maps
// key is configured.
func newGenerator(ctx context.Context, cfg config.Config, logger *slog.Logger) (itinerary.Generator, error) {
	var gen itinerary.Generator
	switch cfg.ItineraryProvider {
	case config.ProviderGemini:
		g, err := itinerary.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, "")
		if err != nil {
			return nil, fmt.Errorf("gemini generator: %w", err)
		}
		gen = g
	default:
		gen = itinerary.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, itinerary.WithOpenAIModel(cfg.ChatModel))
	}
	if cfg.GoogleMapsAPIKey != "" {
		gen = geocode.Generator{
			Next:     gen,
			Resolver: geocode.NewGoogleResolver(cfg.GoogleMapsAPIKey, "", cfg.ConnectTimeout),
			Logger:   logger.With("component", "geocode"),
		}
	}
	return gen, nil
}

func runBridge(ctx context.Context, cfg config.Config, logger *slog.Logger, deps bridgeDeps) error {
	if deps.newGenerator == nil {
		return errors.New("missing newGenerator dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	gen, err := deps.newGenerator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var (
		m        *metrics.Metrics
		observer session.Observer
	)
	if cfg.MetricsEnabled {
		m = metrics.New("voice_bridge")
		observer = m
	}

	manager := session.NewManager(session.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		RateLimitPerAddress:   cfg.RateLimitPerIP,
		SessionTimeout:        cfg.SessionTimeout(),
		SweepInterval:         cfg.SweepInterval,
		FunctionTimeout:       cfg.FunctionTimeout,
		AudioFormat:           cfg.AudioFormat(),
		Realtime:              cfg.Realtime(),
	}, session.Deps{
		Logger:      logger.With("component", "session"),
		Observer:    observer,
		Generator:   gen,
		NewUpstream: deps.newUpstream,
	})
	lc := &lifecycle.Lifecycle{}
	srv := server.New(cfg, server.Deps{
		Manager:   manager,
		Lifecycle: lc,
		Metrics:   m,
		Logger:    logger,
	})
	httpSrv := srv.HTTPServer()

	logger.Info("starting voice bridge",
		"addr", httpSrv.Addr,
		"version", version,
		"realtime_model", cfg.RealtimeModel,
		"itinerary_provider", cfg.ItineraryProvider,
		"max_sessions", cfg.MaxConcurrentSessions,
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	sweepCtx, stopSweep := context.WithCancel(gctx)
	defer stopSweep()

	g.Go(func() error {
		return manager.Run(sweepCtx)
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		defer stopSweep()
		return shutdown(cfg, logger, lc, manager, httpSrv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("voice bridge stopped")
	return nil
}

// shutdown stops new connects, tells browsers to go away, releases every
// upstream connection and then stops the listener.
func shutdown(cfg config.Config, logger *slog.Logger, lc *lifecycle.Lifecycle, manager *session.Manager, httpSrv *http.Server) error {
	lc.Shutdown()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := lc.WaitIdle(waitCtx); err != nil {
		logger.Warn("browser connections still open at shutdown", "connections", lc.Connections())
	}
	if n := manager.CloseAll(session.ReasonShutdown); n > 0 {
		logger.Info("sessions closed", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func runMain(ctx context.Context, stdout, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "voice-bridge: missing loadConfig dependency")
		return 1
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "voice-bridge: load config: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(telemetry.LogOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Stdout: stdout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "voice-bridge: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	traceOut := io.Writer(os.Stderr)
	if cfg.TracingStdout {
		traceOut = stdout
	}
	stopTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceOptions{
		Enabled:      cfg.TracingEnabled,
		Version:      version,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Writer:       traceOut,
	})
	if err != nil {
		fmt.Fprintf(stderr, "voice-bridge: %v\n", err)
		return 1
	}
	defer func() {
		if err := stopTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if err := runBridge(ctx, cfg, logger, deps); err != nil {
		logger.Error("voice bridge failed", "error", err)
		fmt.Fprintf(stderr, "voice-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stdout, os.Stderr, defaultBridgeDeps()))
}
