package mixer

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// ComfortNoise is a single precomputed frame of uniform white noise in
// [-amplitude, +amplitude], generated once at construction with a CSPRNG
// and replayed on every silent mix tick. Per spec: a prototype buffer that
// is read-only and safely shareable across ticks, since it is never
// mutated after creation.
type ComfortNoise struct {
	enabled bool
	frame   []int16
}

// NewComfortNoise builds a comfort noise generator for frameLength samples
// with the given peak amplitude. Comfort noise is enabled iff amplitude is
// strictly positive — the source this mixer is modeled on ties "enabled"
// to amplitude being zero, which inverts the obviously intended meaning;
// this implementation uses the non-inverted reading.
func NewComfortNoise(frameLength int, amplitude int16) (*ComfortNoise, error) {
	cn := &ComfortNoise{enabled: amplitude > 0}
	if !cn.enabled {
		return cn, nil
	}

	frame, err := generateWhiteNoise(frameLength, amplitude)
	if err != nil {
		return nil, err
	}
	cn.frame = frame
	return cn, nil
}

// Enabled reports whether comfort noise should be emitted on silent ticks.
func (cn *ComfortNoise) Enabled() bool {
	return cn != nil && cn.enabled
}

// Frame returns the precomputed noise frame. Callers must not mutate the
// returned slice; it is the single shared prototype, not a fresh copy.
func (cn *ComfortNoise) Frame() []int16 {
	if cn == nil {
		return nil
	}
	return cn.frame
}

// generateWhiteNoise draws n samples uniformly from [-amplitude, amplitude]
// using a cryptographically secure source, matching the original's
// ov_random_range(0, 2*amplitude) - amplitude construction.
func generateWhiteNoise(n int, amplitude int16) ([]int16, error) {
	out := make([]int16, n)
	span := uint32(2*int32(amplitude) + 1)

	var buf [4]byte
	for i := range out {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint32(buf[:]) % span
		sample := int32(v) - int32(amplitude)
		if sample > math.MaxInt16 {
			sample = math.MaxInt16
		}
		if sample < math.MinInt16 {
			sample = math.MinInt16
		}
		out[i] = int16(sample)
	}
	return out, nil
}
