// Package pcm implements the fixed-point PCM primitives the mixer and VAD
// use to widen, sum, scale, clip, and analyze decoded audio: decode (by the
// codec registry) produces 16-bit samples, the mixer widens and sums them
// in 32-bit, then clips back down for the sink.
package pcm

import "math"

// ScaleI16ToI32 widens 16-bit samples into a 32-bit buffer, sign-extending
// each value. dst must have the same length as src.
func ScaleI16ToI32(src []int16, dst []int32) {
	for i, v := range src {
		dst[i] = int32(v)
	}
}

// AddI32 adds src into dst in place, saturating each element to the int32
// range via an int64 intermediate so the addition itself cannot overflow
// before the clip is applied.
func AddI32(dst, src []int32) {
	for i := range dst {
		sum := int64(dst[i]) + int64(src[i])
		dst[i] = clipI64ToI32(sum)
	}
}

// ScaleI32 multiplies every sample in buf by factor in place, saturating to
// the int32 range.
func ScaleI32(buf []int32, factor float64) {
	for i, v := range buf {
		buf[i] = clipF64ToI32(float64(v) * factor)
	}
}

// ClipI32ToI16 narrows a 32-bit buffer to 16-bit samples, saturating any
// value outside the int16 range instead of wrapping.
func ClipI32ToI16(src []int32, dst []int16) {
	for i, v := range src {
		dst[i] = clipI32ToI16(v)
	}
}

// NormalizeTo scales buf in place so its peak absolute amplitude becomes
// maxAmplitude. A buffer that is entirely silent (peak zero) is left
// untouched, since there is nothing to normalize against.
func NormalizeTo(buf []int32, maxAmplitude int32) {
	var peak int32
	for _, v := range buf {
		a := v
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	ScaleI32(buf, float64(maxAmplitude)/float64(peak))
}

// Parameters holds the per-sample audio statistics the VAD decision (and
// nothing else) needs: the mean zero-crossing rate and mean power of a
// frame, each expressed per sample so they can be combined with any sample
// rate or frame length later.
type Parameters struct {
	ZeroCrossingsPerSample float64
	PowerLevelPerSample    float64
}

// VADParameters computes the zero-crossing rate and mean power of a 16-bit
// PCM frame in one pass. An empty frame yields zero parameters.
func VADParameters(samples []int16) Parameters {
	if len(samples) == 0 {
		return Parameters{}
	}

	var zeroCrossings, power float64
	prev := samples[0]
	for _, s := range samples {
		if int32(s)*int32(prev) <= 0 {
			zeroCrossings++
		}
		power += float64(s) * float64(s)
		prev = s
	}

	n := float64(len(samples))
	return Parameters{
		ZeroCrossingsPerSample: zeroCrossings / n,
		PowerLevelPerSample:    power / n,
	}
}

// Thresholds is the VAD decision's configured sensitivity.
type Thresholds struct {
	ZeroCrossingsRateThresholdHertz float64
	PowerLevelThresholdDB           float64
}

// VADDetected reports whether a frame with the given parameters, sampled at
// sampleRateHz, indicates voice activity: the zero-crossing rate must stay
// below the configured threshold (voiced speech crosses zero less often
// than noise does) and the frame's power, expressed in dB, must exceed the
// configured floor.
func VADDetected(sampleRateHz int, params Parameters, limits Thresholds) bool {
	zeroCrossingsHz := params.ZeroCrossingsPerSample * float64(sampleRateHz)
	if zeroCrossingsHz >= limits.ZeroCrossingsRateThresholdHertz {
		return false
	}

	if params.PowerLevelPerSample <= 0 {
		return false
	}
	powerDB := 20 * math.Log10(math.Sqrt(params.PowerLevelPerSample))
	return powerDB > limits.PowerLevelThresholdDB
}

func clipI64ToI32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func clipF64ToI32(v float64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func clipI32ToI16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
