package mixer

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"layeh.com/gopus"
)

// codecEntry pairs a per-SSRC Opus decoder with the timestamp it was last
// used, so idle entries can be found and evicted. Decoders hold internal
// state (history, gain) that must persist across frames from the same
// source, which is exactly why one decoder per SSRC is required rather
// than a single shared decoder.
type codecEntry struct {
	decoder  *gopus.Decoder
	lastUsed atomic.Int64 // unix seconds
}

func (e *codecEntry) touch() {
	e.lastUsed.Store(time.Now().Unix())
}

// CodecRegistry maps each SSRC to its own Opus decoder, evicting decoders
// that have not been used recently. A Mixer owns one CodecRegistry for its
// mix-tick decode path; the VAD Core owns an entirely separate instance
// with identical semantics for its own decode path (shared by all of its
// loops), so that the two paths never contend over codec state.
//
// Concurrent get-or-create on a single key needs no multi-key invariant, so
// this is backed by xsync.Map rather than a registry-wide mutex: many
// goroutines can look up distinct SSRCs without serializing on each other.
type CodecRegistry struct {
	entries    *xsync.Map[uint32, *codecEntry]
	sampleRate int
	channels   int
	evictions  atomic.Uint64
}

// NewCodecRegistry creates a registry whose decoders are configured for the
// given sample rate and channel count (the mixer always decodes mono).
func NewCodecRegistry(sampleRate, channels int) *CodecRegistry {
	return &CodecRegistry{
		entries:    xsync.NewMap[uint32, *codecEntry](),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// GetOrCreate returns the decoder for ssrc, creating one on first use. Per
// the invariant that every registry key's decoder belongs to that SSRC,
// callers must always pass the frame's own SSRC as the key.
func (r *CodecRegistry) GetOrCreate(ssrc uint32) (*gopus.Decoder, error) {
	entry, loaded := r.entries.Load(ssrc)
	if !loaded {
		dec, err := gopus.NewDecoder(r.sampleRate, r.channels)
		if err != nil {
			return nil, fmt.Errorf("codec registry: create opus decoder for ssrc %d: %w", ssrc, err)
		}
		candidate := &codecEntry{decoder: dec}
		actual, existed := r.entries.LoadOrStore(ssrc, candidate)
		entry = actual
		loaded = existed
	}
	entry.touch()
	return entry.decoder, nil
}

// GarbageCollect removes every entry whose decoder has not been used for
// more than maxIdle (compared at one-second resolution), and reports how
// many entries were evicted.
//
// The original C implementation this registry is modeled on collects at
// most 10 stale SSRCs per sweep, an artifact of a fixed-size C array with
// no stated rationale. xsync.Map.Range makes a full sweep no more costly
// than a bounded one, so that cap is not carried forward here.
func (r *CodecRegistry) GarbageCollect(maxIdle time.Duration, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}
	cutoff := time.Now().Add(-maxIdle).Unix()

	var stale []uint32
	r.entries.Range(func(ssrc uint32, entry *codecEntry) bool {
		if entry.lastUsed.Load() < cutoff {
			stale = append(stale, ssrc)
		}
		return true
	})

	for _, ssrc := range stale {
		r.entries.Delete(ssrc)
		log.Debug("codec registry: evicted idle stream", "ssrc", ssrc)
	}
	if len(stale) > 0 {
		r.evictions.Add(uint64(len(stale)))
	}
	return len(stale)
}

// RegistrySize reports the number of decoders currently held.
func (r *CodecRegistry) RegistrySize() int {
	return r.entries.Size()
}

// EvictionsTotal reports the cumulative number of entries garbage collected.
func (r *CodecRegistry) EvictionsTotal() uint64 {
	return r.evictions.Load()
}
