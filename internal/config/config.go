package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the mixer daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// RTP ingest.
	ListenAddr  string // multicast group:port to join for RTP ingest, e.g. "239.1.1.1:5004"
	ListenIface string // network interface name to join the multicast group on (empty = system default)
	LoopName    string // identifies this ingest loop to the VAD's per-loop aggregation

	// Downstream PCM sink: an append-only, opaque byte stream.
	SinkPath string

	// Prometheus metrics endpoint. Empty disables the metrics server.
	MetricsAddr string

	// Mixer configuration (spec.md §3.2 Mixer Configuration).
	SampleRateHertz       int
	FrameLengthMS         int
	MaxFramesPerStream    int
	SSRCToCancel          uint32 // 0 means "no self-echo cancellation"
	ComfortNoiseAmplitude int    // 0 disables comfort noise

	// VAD configuration (spec.md §3.2 VAD Configuration).
	VADZeroCrossingsHertz int
	VADPowerThresholdDB   float64
	VADFramesActivate     int
	VADFramesDeactivate   int

	// Concurrency scaffold.
	LockTimeoutMS        int
	WorkerPoolSize       int
	WorkerQueueCapacity  int
	CodecIdleTimeoutSecs int
	GCIntervalSecs       int

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultListenAddr  = "239.1.1.1:5004"
	defaultLoopName    = "loop-main"
	defaultSinkPath    = "/var/lib/mixerd/mix.pcm"
	defaultMetricsAddr = ":9090"

	defaultSampleRateHertz       = 48000
	defaultFrameLengthMS         = 20
	defaultMaxFramesPerStream    = 10
	defaultSSRCToCancel          = 0
	defaultComfortNoiseAmplitude = 0

	defaultVADZeroCrossingsHertz = 10000
	defaultVADPowerThresholdDB   = -10.0
	defaultVADFramesActivate     = 3
	defaultVADFramesDeactivate   = 25

	defaultLockTimeoutMS        = 100
	defaultWorkerQueueCapacity  = 256
	defaultCodecIdleTimeoutSecs = 60
	defaultGCIntervalSecs       = 5

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all mixer daemon environment variables.
const envPrefix = "MIXERD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("mixerd", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "multicast group:port to join for RTP ingest")
	fs.StringVar(&cfg.ListenIface, "listen-iface", "", "network interface to join the multicast group on (system default if empty)")
	fs.StringVar(&cfg.LoopName, "loop-name", defaultLoopName, "name of this ingest loop, reported to the VAD callback")
	fs.StringVar(&cfg.SinkPath, "sink-path", defaultSinkPath, "file path the mixed PCM stream is appended to")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "address the Prometheus metrics endpoint listens on; empty disables it")

	fs.IntVar(&cfg.SampleRateHertz, "sample-rate-hertz", defaultSampleRateHertz, "mixer output sample rate in Hz")
	fs.IntVar(&cfg.FrameLengthMS, "frame-length-ms", defaultFrameLengthMS, "mixer tick / frame length in milliseconds")
	fs.IntVar(&cfg.MaxFramesPerStream, "max-frames-per-stream", defaultMaxFramesPerStream, "per-SSRC frame buffer capacity")
	ssrc := fs.Uint("ssid-to-cancel", defaultSSRCToCancel, "SSRC to exclude from the mix (self-echo cancellation); 0 disables")
	fs.IntVar(&cfg.ComfortNoiseAmplitude, "comfort-noise-max-amplitude", defaultComfortNoiseAmplitude, "max amplitude of generated comfort noise; 0 disables comfort noise")

	fs.IntVar(&cfg.VADZeroCrossingsHertz, "vad-zcr-threshold-hertz", defaultVADZeroCrossingsHertz, "VAD zero-crossing rate threshold in Hz")
	fs.Float64Var(&cfg.VADPowerThresholdDB, "vad-power-threshold-db", defaultVADPowerThresholdDB, "VAD power level threshold in dB")
	fs.IntVar(&cfg.VADFramesActivate, "vad-frames-activate", defaultVADFramesActivate, "consecutive active frames required to raise VAD")
	fs.IntVar(&cfg.VADFramesDeactivate, "vad-frames-deactivate", defaultVADFramesDeactivate, "consecutive inactive frames required to lower VAD")

	fs.IntVar(&cfg.LockTimeoutMS, "lock-timeout-ms", defaultLockTimeoutMS, "bounded-wait try-lock timeout in milliseconds")
	fs.IntVar(&cfg.WorkerPoolSize, "worker-pool-size", 0, "VAD decode worker pool size (0 = number of CPUs)")
	fs.IntVar(&cfg.WorkerQueueCapacity, "worker-queue-capacity", defaultWorkerQueueCapacity, "bounded queue capacity for the VAD decode worker pool")
	fs.IntVar(&cfg.CodecIdleTimeoutSecs, "codec-idle-timeout-secs", defaultCodecIdleTimeoutSecs, "seconds of inactivity before a codec registry entry is evicted")
	fs.IntVar(&cfg.GCIntervalSecs, "gc-interval-secs", defaultGCIntervalSecs, "seconds between codec registry garbage collection sweeps")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	cfg.SSRCToCancel = uint32(*ssrc)

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = max(1, runtime.NumCPU())
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"listen-addr":                 envPrefix + "LISTEN_ADDR",
		"listen-iface":                envPrefix + "LISTEN_IFACE",
		"loop-name":                   envPrefix + "LOOP_NAME",
		"sink-path":                   envPrefix + "SINK_PATH",
		"metrics-addr":                envPrefix + "METRICS_ADDR",
		"sample-rate-hertz":           envPrefix + "SAMPLE_RATE_HERTZ",
		"frame-length-ms":             envPrefix + "FRAME_LENGTH_MS",
		"max-frames-per-stream":       envPrefix + "MAX_FRAMES_PER_STREAM",
		"ssid-to-cancel":              envPrefix + "SSID_TO_CANCEL",
		"comfort-noise-max-amplitude": envPrefix + "COMFORT_NOISE_MAX_AMPLITUDE",
		"vad-zcr-threshold-hertz":     envPrefix + "VAD_ZCR_THRESHOLD_HERTZ",
		"vad-power-threshold-db":      envPrefix + "VAD_POWER_THRESHOLD_DB",
		"vad-frames-activate":         envPrefix + "VAD_FRAMES_ACTIVATE",
		"vad-frames-deactivate":       envPrefix + "VAD_FRAMES_DEACTIVATE",
		"lock-timeout-ms":             envPrefix + "LOCK_TIMEOUT_MS",
		"worker-pool-size":            envPrefix + "WORKER_POOL_SIZE",
		"worker-queue-capacity":       envPrefix + "WORKER_QUEUE_CAPACITY",
		"codec-idle-timeout-secs":     envPrefix + "CODEC_IDLE_TIMEOUT_SECS",
		"gc-interval-secs":            envPrefix + "GC_INTERVAL_SECS",
		"log-level":                   envPrefix + "LOG_LEVEL",
		"log-format":                  envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "listen-addr":
			cfg.ListenAddr = val
		case "listen-iface":
			cfg.ListenIface = val
		case "loop-name":
			cfg.LoopName = val
		case "sink-path":
			cfg.SinkPath = val
		case "metrics-addr":
			cfg.MetricsAddr = val
		case "sample-rate-hertz":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRateHertz = v
			}
		case "frame-length-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.FrameLengthMS = v
			}
		case "max-frames-per-stream":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxFramesPerStream = v
			}
		case "ssid-to-cancel":
			if v, err := strconv.ParseUint(val, 10, 32); err == nil {
				cfg.SSRCToCancel = uint32(v)
			}
		case "comfort-noise-max-amplitude":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ComfortNoiseAmplitude = v
			}
		case "vad-zcr-threshold-hertz":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VADZeroCrossingsHertz = v
			}
		case "vad-power-threshold-db":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADPowerThresholdDB = v
			}
		case "vad-frames-activate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VADFramesActivate = v
			}
		case "vad-frames-deactivate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VADFramesDeactivate = v
			}
		case "lock-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LockTimeoutMS = v
			}
		case "worker-pool-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WorkerPoolSize = v
			}
		case "worker-queue-capacity":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WorkerQueueCapacity = v
			}
		case "codec-idle-timeout-secs":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CodecIdleTimeoutSecs = v
			}
		case "gc-interval-secs":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.GCIntervalSecs = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane. Per the error-handling
// design, configuration problems are caught here, at construction time,
// rather than surfacing mid-stream as transient errors.
func (c *Config) validate() error {
	if c.SampleRateHertz <= 0 {
		return fmt.Errorf("sample-rate-hertz must be positive, got %d", c.SampleRateHertz)
	}
	if c.FrameLengthMS <= 0 {
		return fmt.Errorf("frame-length-ms must be positive, got %d", c.FrameLengthMS)
	}
	if c.MaxFramesPerStream <= 0 {
		return fmt.Errorf("max-frames-per-stream must be positive, got %d", c.MaxFramesPerStream)
	}
	if c.ComfortNoiseAmplitude < 0 || c.ComfortNoiseAmplitude > 32767 {
		return fmt.Errorf("comfort-noise-max-amplitude must be between 0 and 32767, got %d", c.ComfortNoiseAmplitude)
	}
	if c.VADZeroCrossingsHertz <= 0 {
		return fmt.Errorf("vad-zcr-threshold-hertz must be positive, got %d", c.VADZeroCrossingsHertz)
	}
	if c.VADFramesActivate <= 0 {
		return fmt.Errorf("vad-frames-activate must be positive, got %d", c.VADFramesActivate)
	}
	if c.VADFramesDeactivate <= 0 {
		return fmt.Errorf("vad-frames-deactivate must be positive, got %d", c.VADFramesDeactivate)
	}
	if c.LockTimeoutMS <= 0 {
		return fmt.Errorf("lock-timeout-ms must be positive, got %d", c.LockTimeoutMS)
	}
	if c.WorkerQueueCapacity <= 0 {
		return fmt.Errorf("worker-queue-capacity must be positive, got %d", c.WorkerQueueCapacity)
	}
	if c.CodecIdleTimeoutSecs <= 0 {
		return fmt.Errorf("codec-idle-timeout-secs must be positive, got %d", c.CodecIdleTimeoutSecs)
	}
	if c.GCIntervalSecs <= 0 {
		return fmt.Errorf("gc-interval-secs must be positive, got %d", c.GCIntervalSecs)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen-addr must be host:port, got %q: %w", c.ListenAddr, err)
	}
	if c.LoopName == "" {
		return fmt.Errorf("loop-name must not be empty")
	}
	if c.SinkPath == "" {
		return fmt.Errorf("sink-path must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// FrameLength returns the number of samples in one mixer output frame,
// rounded per spec.md §3.3: round(frame_length_ms * sample_rate / 1000).
func (c *Config) FrameLength() int {
	return (c.FrameLengthMS*c.SampleRateHertz + 500) / 1000
}

// LockTimeout returns the bounded-wait try-lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// CodecIdleTimeout returns the codec registry eviction threshold as a duration.
func (c *Config) CodecIdleTimeout() time.Duration {
	return time.Duration(c.CodecIdleTimeoutSecs) * time.Second
}

// GCInterval returns the codec registry sweep cadence as a duration.
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSecs) * time.Second
}

// TickInterval returns the mixer tick cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.FrameLengthMS) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level. Color via github.com/lmittmann/tint is
// applied by the caller (cmd/mixerd) when writing to a terminal; this
// handler is the non-interactive (file/pipe) fallback.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
