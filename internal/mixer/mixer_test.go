package mixer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/rtp"
	"layeh.com/gopus"
)

func testConfig() Config {
	return Config{
		SampleRateHertz:       48000,
		FrameLengthMS:         20,
		MaxFramesPerStream:    10,
		LockTimeout:           100 * time.Millisecond,
		ComfortNoiseAmplitude: 0,
	}
}

// encodeTone builds a real Opus packet for a constant-amplitude PCM tone,
// so tests exercise the actual decode path through gopus rather than a
// stand-in.
func encodeTone(t *testing.T, amplitude int16, frameLength int) []byte {
	t.Helper()
	enc, err := gopus.NewEncoder(48000, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("gopus.NewEncoder() error: %v", err)
	}
	pcm := make([]int16, frameLength)
	for i := range pcm {
		pcm[i] = amplitude
	}
	payload, err := enc.Encode(pcm, frameLength, 4000)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return payload
}

func rtpFrame(ssrc uint32, seq uint16, payload []byte) *rtp.Frame {
	return &rtp.Frame{
		Version:        2,
		PayloadType:    111,
		SequenceNumber: seq,
		SSRC:           ssrc,
		Payload:        payload,
	}
}

func TestMixSilentTickWritesExactLengthAndReportsNoFramesMixed(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var sink bytes.Buffer
	mixed, err := m.Mix(context.Background(), &sink)
	if err != nil {
		t.Fatalf("Mix() error: %v", err)
	}
	if mixed {
		t.Error("Mix() reported frames mixed on an empty buffer")
	}
	if want := m.frameLength * 2; sink.Len() != want {
		t.Errorf("sink received %d bytes, want %d", sink.Len(), want)
	}
}

func TestMixWritesComfortNoiseWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.ComfortNoiseAmplitude = 500
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var sink bytes.Buffer
	mixed, err := m.Mix(context.Background(), &sink)
	if err != nil {
		t.Fatalf("Mix() error: %v", err)
	}
	if mixed {
		t.Error("Mix() should report no frames mixed even when comfort noise is written")
	}
	if want := m.frameLength * 2; sink.Len() != want {
		t.Errorf("sink received %d bytes, want %d", sink.Len(), want)
	}
	// At least one non-zero byte is overwhelmingly likely for real noise.
	allZero := true
	for _, b := range sink.Bytes() {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("comfort noise frame was all zero")
	}
}

func TestMixAveragesIdenticalFramesToTheSameValue(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	const amplitude = int16(8000)
	payload := encodeTone(t, amplitude, m.frameLength)

	for ssrc := uint32(1); ssrc <= 3; ssrc++ {
		m.AddFrame(rtpFrame(ssrc, 1, payload))
	}

	var sink bytes.Buffer
	mixed, err := m.Mix(context.Background(), &sink)
	if err != nil {
		t.Fatalf("Mix() error: %v", err)
	}
	if !mixed {
		t.Fatal("Mix() reported no frames mixed, want true")
	}

	out := decodeInt16(sink.Bytes())
	// Opus is lossy, so allow a generous tolerance relative to the encoded
	// amplitude rather than expecting bit-exact reconstruction.
	const tolerance = 2000
	for i, s := range out {
		diff := int(s) - int(amplitude)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Fatalf("sample %d = %d, want within %d of %d", i, s, tolerance, amplitude)
			break
		}
	}
}

func TestMixSelfEchoSuppression(t *testing.T) {
	cfg := testConfig()
	cfg.SSRCToCancel = 42
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	cancelledPayload := encodeTone(t, 9000, m.frameLength)
	m.AddFrame(rtpFrame(42, 1, cancelledPayload))

	if count := m.ActiveStreamCount(); count != 0 {
		t.Fatalf("ActiveStreamCount() = %d after adding cancelled SSRC's frame, want 0", count)
	}

	const legitimateAmplitude = int16(6000)
	legitimatePayload := encodeTone(t, legitimateAmplitude, m.frameLength)
	m.AddFrame(rtpFrame(200, 1, legitimatePayload))

	if count := m.ActiveStreamCount(); count != 1 {
		t.Fatalf("ActiveStreamCount() = %d after adding the legitimate SSRC's frame, want 1", count)
	}

	var sink bytes.Buffer
	mixed, err := m.Mix(context.Background(), &sink)
	if err != nil {
		t.Fatalf("Mix() error: %v", err)
	}
	if !mixed {
		t.Fatal("Mix() reported no frames mixed, want true (SSRC 200 should have mixed through)")
	}

	// Output equals SSRC 200 alone: the self-cancel SSRC never reaches the
	// mix, so the result should track the single legitimate stream, not an
	// average diluted or skewed by the cancelled one.
	out := decodeInt16(sink.Bytes())
	const tolerance = 2000
	for i, s := range out {
		diff := int(s) - int(legitimateAmplitude)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Fatalf("sample %d = %d, want within %d of %d (SSRC 200 alone)", i, s, tolerance, legitimateAmplitude)
		}
	}
}

func TestMixRejectsConcurrentTick(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if !m.mixing.CompareAndSwap(false, true) {
		t.Fatal("failed to simulate an in-flight tick")
	}
	defer m.mixing.Store(false)

	var sink bytes.Buffer
	_, err = m.Mix(context.Background(), &sink)
	if err != ErrMixInProgress {
		t.Fatalf("Mix() error = %v, want ErrMixInProgress", err)
	}
}

func decodeInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}
