package rtp

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestParseRejectsShortPacket(t *testing.T) {
	_, err := Parse(make([]byte, 11))
	if err != ErrShortPacket {
		t.Fatalf("Parse() error = %v, want ErrShortPacket", err)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	pkt := make([]byte, 12)
	pkt[0] = 1 << 6 // version 1
	_, err := Parse(pkt)
	if err == nil {
		t.Fatal("Parse() expected error for unsupported version, got nil")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := &Frame{
		Version:        2,
		Marker:         true,
		PayloadType:    111,
		SequenceNumber: 42,
		Timestamp:      12345,
		SSRC:           0xdeadbeef,
		CSRC:           []uint32{1, 2, 3},
		Payload:        []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}

	wire, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if got.Marker != orig.Marker || got.PayloadType != orig.PayloadType ||
		got.SequenceNumber != orig.SequenceNumber || got.Timestamp != orig.Timestamp ||
		got.SSRC != orig.SSRC {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, orig)
	}
	if len(got.CSRC) != len(orig.CSRC) {
		t.Fatalf("CSRC count = %d, want %d", len(got.CSRC), len(orig.CSRC))
	}
	for i := range orig.CSRC {
		if got.CSRC[i] != orig.CSRC[i] {
			t.Errorf("CSRC[%d] = %d, want %d", i, got.CSRC[i], orig.CSRC[i])
		}
	}
	if !bytes.Equal(got.Payload, orig.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, orig.Payload)
	}
}

func TestParsePadding(t *testing.T) {
	orig := &Frame{
		Version:        2,
		PayloadType:    0,
		SequenceNumber: 7,
		Timestamp:      1,
		SSRC:           1,
		Payload:        []byte{1, 2, 3, 4},
		Padding:        true,
		PaddingLength:  4,
	}
	wire, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !bytes.Equal(got.Payload, orig.Payload) {
		t.Errorf("Payload = %v, want %v (padding should be stripped)", got.Payload, orig.Payload)
	}
	if got.PaddingLength != 4 {
		t.Errorf("PaddingLength = %d, want 4", got.PaddingLength)
	}
}

func TestParseExtension(t *testing.T) {
	orig := &Frame{
		Version:        2,
		PayloadType:    96,
		SequenceNumber: 1,
		Timestamp:      1,
		SSRC:           1,
		HasExtension:   true,
		Extension:      Extension{Profile: 0xBEDE, Data: []byte{1, 2, 3, 4}},
		Payload:        []byte{9, 9},
	}
	wire, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Extension.Profile != 0xBEDE {
		t.Errorf("Extension.Profile = %x, want BEDE", got.Extension.Profile)
	}
	if !bytes.Equal(got.Extension.Data, orig.Extension.Data) {
		t.Errorf("Extension.Data = %v, want %v", got.Extension.Data, orig.Extension.Data)
	}
}

func TestSeqLessBasic(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{65535, 0, true},  // wraps forward
		{0, 65535, false}, // 65535 is "behind" 0 going forward
		{100, 200, true},
		{200, 100, false},
	}
	for _, c := range cases {
		if got := SeqLess(c.a, c.b); got != c.want {
			t.Errorf("SeqLess(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

// SeqLess must define a consistent strict order within any window small
// relative to the 16-bit space: advancing forward by a small positive
// delta is always "less than", and it must never claim a value is less
// than itself.
func TestSeqLessProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := uint16(rapid.IntRange(0, 65535).Draw(rt, "a"))
		delta := uint16(rapid.IntRange(1, 32767).Draw(rt, "delta"))
		b := a + delta

		if !SeqLess(a, b) {
			rt.Fatalf("SeqLess(%d, %d) = false, want true (delta=%d)", a, b, delta)
		}
		if SeqLess(a, a) {
			rt.Fatalf("SeqLess(%d, %d) = true, want false (reflexive)", a, a)
		}
	})
}
