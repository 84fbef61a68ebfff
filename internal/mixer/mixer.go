// Package mixer implements the RTP audio mixer: per-SSRC frame buffering,
// per-SSRC Opus decode state, and the periodic mix tick that sums decoded
// PCM into a single output frame.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/pcm"
	"github.com/voxbridge/voxbridge/internal/rtp"
)

// Config is the Mixer's construction-time configuration (spec's Mixer
// Configuration). Validation happens once, here, rather than per-tick.
type Config struct {
	SampleRateHertz       int
	FrameLengthMS         int
	MaxFramesPerStream    int
	SSRCToCancel          uint32
	ComfortNoiseAmplitude int16
	LockTimeout           time.Duration
}

// frameLength returns round(frame_length_ms * sample_rate / 1000).
func (c Config) frameLength() int {
	return (c.FrameLengthMS*c.SampleRateHertz + 500) / 1000
}

func (c Config) validate() error {
	if c.SampleRateHertz <= 0 {
		return fmt.Errorf("mixer: sample rate must be positive, got %d", c.SampleRateHertz)
	}
	if c.FrameLengthMS <= 0 {
		return fmt.Errorf("mixer: frame length must be positive, got %d", c.FrameLengthMS)
	}
	if c.MaxFramesPerStream <= 0 {
		return fmt.Errorf("mixer: max frames per stream must be positive, got %d", c.MaxFramesPerStream)
	}
	if c.ComfortNoiseAmplitude < 0 {
		return fmt.Errorf("mixer: comfort noise amplitude must not be negative, got %d", c.ComfortNoiseAmplitude)
	}
	return nil
}

// Mixer owns the frame buffer, the codec registry, and the comfort noise
// prototype, and implements the periodic mix tick.
type Mixer struct {
	cfg          Config
	frameLength  int
	buffer       *FrameBuffer
	codecs       *CodecRegistry
	comfortNoise *ComfortNoise
	log          *slog.Logger

	ticksMixed    atomic.Uint64
	ticksSilent   atomic.Uint64
	framesDecoded atomic.Uint64
	decodeErrors  atomic.Uint64

	// mixing is held while a tick is in flight, enforcing the "at most one
	// concurrent mix tick" invariant without a full mutex: a CompareAndSwap
	// on a bool is enough since Mix never needs to wait for another tick,
	// it should simply refuse to run one concurrently.
	mixing atomic.Bool
}

// New constructs a Mixer. Configuration errors are returned here rather
// than discovered later at tick time.
func New(cfg Config, log *slog.Logger) (*Mixer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mixer")

	frameLength := cfg.frameLength()

	comfortNoise, err := NewComfortNoise(frameLength, cfg.ComfortNoiseAmplitude)
	if err != nil {
		return nil, fmt.Errorf("mixer: generate comfort noise: %w", err)
	}

	return &Mixer{
		cfg:          cfg,
		frameLength:  frameLength,
		buffer:       NewFrameBuffer(cfg.MaxFramesPerStream, cfg.LockTimeout, log),
		codecs:       NewCodecRegistry(cfg.SampleRateHertz, 1),
		comfortNoise: comfortNoise,
		log:          log,
	}, nil
}

// AddFrame offers a parsed RTP frame to the mixer's frame buffer. Frames
// from the configured self-echo SSRC are discarded immediately, before
// ever reaching the buffer — this is the mixer's self-cancellation step,
// not the frame buffer's concern.
func (m *Mixer) AddFrame(frame *rtp.Frame) {
	if m.cfg.SSRCToCancel != 0 && frame.SSRC == m.cfg.SSRCToCancel {
		return
	}
	m.buffer.Add(frame)
}

// ErrMixInProgress is returned by Mix if a previous tick is still running.
// The event loop should treat this as "skip, try again next tick" rather
// than a fatal error.
var ErrMixInProgress = errors.New("mixer: a mix tick is already in progress")

// Mix drains one frame per active SSRC from the frame buffer, decodes and
// sums them, and writes frameLength*2 bytes of 16-bit PCM to sink. It
// reports whether any frames were actually mixed: false means either
// nothing was buffered or comfort noise was written in its place — either
// way, exactly frameLength*2 bytes are always written.
func (m *Mixer) Mix(ctx context.Context, sink io.Writer) (bool, error) {
	if !m.mixing.CompareAndSwap(false, true) {
		return false, ErrMixInProgress
	}
	defer m.mixing.Store(false)

	frames := m.buffer.DrainOldest()

	decoded16p := getInt16Buf(m.frameLength)
	defer putInt16Buf(decoded16p)
	decoded32p := getDecoded32Buf(m.frameLength)
	defer putDecoded32Buf(decoded32p)
	mixed32p := getMixed32Buf(m.frameLength)
	defer putMixed32Buf(mixed32p)
	decoded16, decoded32, mixed32 := *decoded16p, *decoded32p, *mixed32p

	mixedCount := 0
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		dec, err := m.codecs.GetOrCreate(frame.SSRC)
		if err != nil {
			m.decodeErrors.Add(1)
			m.log.Warn("mix: could not obtain decoder", "ssrc", frame.SSRC, "error", err)
			continue
		}

		pcmOut, err := dec.Decode(frame.Payload, m.frameLength, false)
		if err != nil {
			m.decodeErrors.Add(1)
			m.log.Debug("mix: decode failed, skipping frame", "ssrc", frame.SSRC, "error", err)
			continue
		}
		m.framesDecoded.Add(1)
		copy(decoded16, pcmOut)

		pcm.ScaleI16ToI32(decoded16, decoded32)
		pcm.AddI32(mixed32, decoded32)
		mixedCount++
	}

	if mixedCount == 0 {
		m.ticksSilent.Add(1)
		if m.comfortNoise.Enabled() {
			if err := writeInt16(sink, m.comfortNoise.Frame()); err != nil {
				return false, fmt.Errorf("mixer: write comfort noise: %w", err)
			}
			return false, nil
		}
		return false, writeInt16(sink, decoded16) // decoded16 is still all-zero
	}

	pcm.ScaleI32(mixed32, 1.0/float64(mixedCount))
	outp := getInt16Buf(m.frameLength)
	defer putInt16Buf(outp)
	out := *outp
	pcm.ClipI32ToI16(mixed32, out)

	if err := writeInt16(sink, out); err != nil {
		return false, fmt.Errorf("mixer: write mixed frame: %w", err)
	}
	m.ticksMixed.Add(1)
	return true, nil
}

// Run drives Mix on a ticker at the mixer's configured frame length, until
// ctx is canceled. This is the cadence-critical event-loop tick the mixer
// owns; VAD decode work runs elsewhere, on the worker pool.
func (m *Mixer) Run(ctx context.Context, sink io.Writer) {
	ticker := time.NewTicker(time.Duration(m.cfg.FrameLengthMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Mix(ctx, sink); err != nil && !errors.Is(err, ErrMixInProgress) {
				m.log.Error("mix tick failed", "error", err)
			}
		}
	}
}

// GarbageCollect evicts codec registry entries idle for more than maxIdle.
func (m *Mixer) GarbageCollect(maxIdle time.Duration) int {
	return m.codecs.GarbageCollect(maxIdle, m.log)
}

// ActiveStreamCount reports the number of SSRCs with at least one buffered
// frame. Implements metrics.StreamProvider.
func (m *Mixer) ActiveStreamCount() int { return m.buffer.ActiveStreamCount() }

// TicksMixed implements metrics.MixerStatsProvider.
func (m *Mixer) TicksMixed() uint64 { return m.ticksMixed.Load() }

// TicksSilent implements metrics.MixerStatsProvider.
func (m *Mixer) TicksSilent() uint64 { return m.ticksSilent.Load() }

// FramesDecoded implements metrics.MixerStatsProvider.
func (m *Mixer) FramesDecoded() uint64 { return m.framesDecoded.Load() }

// DecodeErrors implements metrics.MixerStatsProvider.
func (m *Mixer) DecodeErrors() uint64 { return m.decodeErrors.Load() }

// FramesDropped implements metrics.MixerStatsProvider.
func (m *Mixer) FramesDropped() uint64 { return m.buffer.DroppedTotal() }

// RegistrySize implements metrics.CodecRegistryProvider.
func (m *Mixer) RegistrySize() int { return m.codecs.RegistrySize() }

// EvictionsTotal implements metrics.CodecRegistryProvider.
func (m *Mixer) EvictionsTotal() uint64 { return m.codecs.EvictionsTotal() }

func writeInt16(w io.Writer, samples []int16) error {
	bufp := getBytesBuf(len(samples) * 2)
	defer putBytesBuf(bufp)
	buf := *bufp
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	_, err := w.Write(buf)
	return err
}
