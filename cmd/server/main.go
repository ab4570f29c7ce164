package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arenaswap.ai/internal/persistence/mirror"
	"arenaswap.ai/internal/platform/config"
	"arenaswap.ai/internal/platform/logging"
	platformotel "arenaswap.ai/internal/platform/otel"
	"arenaswap.ai/internal/sim/tuning"
)

type serverOptions struct {
	Addr        string
	App         appConfig
	Tick        time.Duration
	EnableAdmin bool
}

func main() {
	envCfg, err := config.LoadServerEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var (
		addr       = flag.String("addr", envCfg.Addr, "http listen address")
		dataDir    = flag.String("data", envCfg.DataDir, "runtime data directory")
		zonesPath  = flag.String("zones", envCfg.ZonesPath, "path to zones.yaml")
		tuningPath = flag.String("tuning", envCfg.TuningPath, "path to lifecycle tuning yaml (missing file: defaults)")
		logLevel   = flag.String("log_level", envCfg.LogLevel, "debug|info|warn|error")
		logFormat  = flag.String("log_format", envCfg.LogFormat, "json|console")
		tickMS     = flag.Int("tick_ms", envCfg.TickMS, "tick interval in milliseconds")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("load tuning", zap.Error(err))
			_ = logger.Sync()
			os.Exit(1)
		}
		logger.Info("tuning not found; using defaults", zap.String("path", *tuningPath))
		tune = tuning.Defaults()
	}

	var mirrorCfg mirror.S3Config
	if err := config.ParseEnv(&mirrorCfg); err != nil {
		logger.Error("mirror env", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	enableAdmin := defaultEnableAdminHTTP()
	if envCfg.EnableAdminHTTP != nil {
		enableAdmin = *envCfg.EnableAdminHTTP
	}

	ctx, cancel := signalContext()
	err = run(ctx, serverOptions{
		Addr:        *addr,
		App:         appConfig{DataDir: *dataDir, ZonesPath: *zonesPath, Tuning: tune, Mirror: mirrorCfg},
		Tick:        time.Duration(*tickMS) * time.Millisecond,
		EnableAdmin: enableAdmin,
	}, logger)
	cancel()
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// run serves until ctx is cancelled or the listener fails. Every store is
// closed before it returns.
func run(ctx context.Context, opts serverOptions, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := platformotel.Setup(ctx, "arenaswap")
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	a, err := newApp(opts.App, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer a.Close()

	// A failed boot leaves the runtime Failed but keeps serving, so an
	// operator can inspect it and reset through the admin endpoints.
	if err := a.boot(ctx); err != nil {
		logger.Error("boot failed", zap.Error(err))
	}

	ticksDone := make(chan struct{})
	go func() {
		defer close(ticksDone)
		runTicks(ctx, a, opts.Tick)
	}()
	// Ticks stop before the stores close.
	defer func() {
		cancel()
		<-ticksDone
	}()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           buildMux(ctx, a, opts.EnableAdmin),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", zap.String("addr", opts.Addr), zap.String("data", opts.App.DataDir))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", opts.Addr, err)
	}
	return nil
}

func runTicks(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.tick(ctx)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
