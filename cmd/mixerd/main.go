package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/metrics"
	"github.com/voxbridge/voxbridge/internal/mixer"
	"github.com/voxbridge/voxbridge/internal/rtpio"
	"github.com/voxbridge/voxbridge/internal/vad"
	"github.com/voxbridge/voxbridge/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var handler slog.Handler
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.SlogLevel()})
	} else {
		handler = cfg.SlogHandler(os.Stdout)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting mixerd",
		"listen_addr", cfg.ListenAddr,
		"sample_rate_hertz", cfg.SampleRateHertz,
		"frame_length_ms", cfg.FrameLengthMS,
		"sink_path", cfg.SinkPath,
	)

	sink, err := openSink(cfg.SinkPath)
	if err != nil {
		slog.Error("failed to open pcm sink", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	m, err := mixer.New(mixer.Config{
		SampleRateHertz:       cfg.SampleRateHertz,
		FrameLengthMS:         cfg.FrameLengthMS,
		MaxFramesPerStream:    cfg.MaxFramesPerStream,
		SSRCToCancel:          cfg.SSRCToCancel,
		ComfortNoiseAmplitude: int16(cfg.ComfortNoiseAmplitude),
		LockTimeout:           cfg.LockTimeout(),
	}, slog.Default())
	if err != nil {
		slog.Error("failed to create mixer", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	pool := workerpool.New(appCtx, cfg.WorkerPoolSize, cfg.WorkerQueueCapacity, slog.Default())

	vadCore, err := vad.New(vad.Config{
		SampleRateHertz:                 cfg.SampleRateHertz,
		FrameLengthMS:                   cfg.FrameLengthMS,
		ZeroCrossingsRateThresholdHertz: float64(cfg.VADZeroCrossingsHertz),
		PowerLevelThresholdDB:           cfg.VADPowerThresholdDB,
		FramesActivate:                  cfg.VADFramesActivate,
		FramesDeactivate:                cfg.VADFramesDeactivate,
		LockTimeout:                     cfg.LockTimeout(),
	}, pool, onVADTransition, slog.Default())
	if err != nil {
		slog.Error("failed to create vad core", "error", err)
		os.Exit(1)
	}

	ingester, err := rtpio.New(cfg.ListenAddr, cfg.ListenIface, cfg.LoopName, m, vadCore, slog.Default())
	if err != nil {
		slog.Error("failed to create rtp ingester", "error", err)
		os.Exit(1)
	}

	go m.Run(appCtx, sink)
	go vadCore.Run(appCtx)
	go func() {
		if err := ingester.Run(appCtx); err != nil {
			slog.Error("rtp ingester stopped with error", "error", err)
		}
	}()
	go runGarbageCollector(appCtx, cfg, m, vadCore)

	if cfg.MetricsAddr != "" {
		startMetricsServer(appCtx, cfg.MetricsAddr, m, vadCore)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	appCancel()
	if err := ingester.Close(); err != nil {
		slog.Warn("error closing rtp ingester socket", "error", err)
	}
	pool.Shutdown()

	slog.Info("mixerd stopped")
}

// openSink opens the downstream PCM sink for appending, creating parent
// directories as needed. The sink is append-only and opaque to the mixer:
// nothing downstream of Write matters to this process.
func openSink(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sink directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	return f, nil
}

// onVADTransition is the VAD Core's loop-transition callback. Wiring this to
// an external signalling subsystem (floor control, active-speaker
// indication) is the job of whatever sits above the mixer; here it is
// logged, since no such collaborator exists in this repository's scope.
func onVADTransition(loopName string, on bool) {
	slog.Info("vad loop transition", "loop", loopName, "on", on)
}

// runGarbageCollector periodically evicts idle codec registry entries from
// both the mixer's and the VAD's independent registries.
func runGarbageCollector(ctx context.Context, cfg *config.Config, m *mixer.Mixer, v *vad.Core) {
	ticker := time.NewTicker(cfg.GCInterval())
	defer ticker.Stop()

	idle := cfg.CodecIdleTimeout()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.GarbageCollect(idle); n > 0 {
				slog.Debug("mixer codec registry gc", "evicted", n)
			}
			if n := v.GarbageCollect(idle); n > 0 {
				slog.Debug("vad codec registry gc", "evicted", n)
			}
		}
	}
}

// startMetricsServer registers the Prometheus collector and serves /metrics
// in the background until ctx is canceled.
func startMetricsServer(ctx context.Context, addr string, m *mixer.Mixer, v *vad.Core) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(m, m, v, m, time.Now()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "error", err)
		}
	}()
}
