// Package metrics exposes the mixer's runtime counters as Prometheus
// metrics, collected on demand at scrape time rather than pushed eagerly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamProvider exposes the set of SSRCs the mixer currently tracks.
type StreamProvider interface {
	ActiveStreamCount() int
}

// MixerStatsProvider exposes cumulative mixer tick statistics.
type MixerStatsProvider interface {
	TicksMixed() uint64
	TicksSilent() uint64
	FramesDecoded() uint64
	DecodeErrors() uint64
	FramesDropped() uint64
}

// VADStatsProvider exposes VAD loop activity.
type VADStatsProvider interface {
	ActiveLoops() int
	TrackedSSRCs() int
}

// CodecRegistryProvider exposes codec registry occupancy.
type CodecRegistryProvider interface {
	RegistrySize() int
	EvictionsTotal() uint64
}

// Collector is a prometheus.Collector that gathers mixer metrics at scrape time.
type Collector struct {
	streams  StreamProvider
	mixer    MixerStatsProvider
	vad      VADStatsProvider
	registry CodecRegistryProvider
	start    time.Time

	activeStreamsDesc   *prometheus.Desc
	ticksMixedDesc      *prometheus.Desc
	ticksSilentDesc     *prometheus.Desc
	framesDecodedDesc   *prometheus.Desc
	decodeErrorsDesc    *prometheus.Desc
	framesDroppedDesc   *prometheus.Desc
	vadActiveLoopsDesc  *prometheus.Desc
	vadTrackedSSRCsDesc *prometheus.Desc
	registrySizeDesc    *prometheus.Desc
	registryEvictedDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	streams StreamProvider,
	mixer MixerStatsProvider,
	vad VADStatsProvider,
	registry CodecRegistryProvider,
	start time.Time,
) *Collector {
	return &Collector{
		streams:  streams,
		mixer:    mixer,
		vad:      vad,
		registry: registry,
		start:    start,

		activeStreamsDesc: prometheus.NewDesc(
			"mixer_active_streams",
			"Number of SSRCs with at least one frame queued in the frame buffer",
			nil, nil,
		),
		ticksMixedDesc: prometheus.NewDesc(
			"mixer_ticks_mixed_total",
			"Total mixer ticks that mixed at least one frame",
			nil, nil,
		),
		ticksSilentDesc: prometheus.NewDesc(
			"mixer_ticks_silent_total",
			"Total mixer ticks that mixed zero frames (comfort noise or silence)",
			nil, nil,
		),
		framesDecodedDesc: prometheus.NewDesc(
			"mixer_frames_decoded_total",
			"Total Opus frames successfully decoded",
			nil, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"mixer_decode_errors_total",
			"Total Opus decode failures, skipped locally per frame",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"mixer_frames_dropped_total",
			"Total RTP frames dropped by the frame buffer (overflow, duplicate sequence number, or lock contention)",
			nil, nil,
		),
		vadActiveLoopsDesc: prometheus.NewDesc(
			"mixer_vad_active_loops",
			"Number of multicast loops currently reporting voice activity",
			nil, nil,
		),
		vadTrackedSSRCsDesc: prometheus.NewDesc(
			"mixer_vad_tracked_ssrcs",
			"Number of SSRCs the VAD core is currently tracking",
			nil, nil,
		),
		registrySizeDesc: prometheus.NewDesc(
			"mixer_codec_registry_size",
			"Number of codec decoder entries currently held",
			nil, nil,
		),
		registryEvictedDesc: prometheus.NewDesc(
			"mixer_codec_registry_evictions_total",
			"Total codec registry entries evicted by idle garbage collection",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"mixer_uptime_seconds",
			"Seconds since the mixer process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeStreamsDesc
	ch <- c.ticksMixedDesc
	ch <- c.ticksSilentDesc
	ch <- c.framesDecodedDesc
	ch <- c.decodeErrorsDesc
	ch <- c.framesDroppedDesc
	ch <- c.vadActiveLoopsDesc
	ch <- c.vadTrackedSSRCsDesc
	ch <- c.registrySizeDesc
	ch <- c.registryEvictedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.streams != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeStreamsDesc, prometheus.GaugeValue,
			float64(c.streams.ActiveStreamCount()),
		)
	}

	if c.mixer != nil {
		ch <- prometheus.MustNewConstMetric(
			c.ticksMixedDesc, prometheus.CounterValue, float64(c.mixer.TicksMixed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.ticksSilentDesc, prometheus.CounterValue, float64(c.mixer.TicksSilent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDecodedDesc, prometheus.CounterValue, float64(c.mixer.FramesDecoded()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.decodeErrorsDesc, prometheus.CounterValue, float64(c.mixer.DecodeErrors()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue, float64(c.mixer.FramesDropped()),
		)
	}

	if c.vad != nil {
		ch <- prometheus.MustNewConstMetric(
			c.vadActiveLoopsDesc, prometheus.GaugeValue, float64(c.vad.ActiveLoops()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.vadTrackedSSRCsDesc, prometheus.GaugeValue, float64(c.vad.TrackedSSRCs()),
		)
	}

	if c.registry != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrySizeDesc, prometheus.GaugeValue, float64(c.registry.RegistrySize()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.registryEvictedDesc, prometheus.CounterValue, float64(c.registry.EvictionsTotal()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.start).Seconds(),
	)
}
