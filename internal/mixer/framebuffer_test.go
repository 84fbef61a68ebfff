package mixer

import (
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/rtp"
	"pgregory.net/rapid"
)

func testFrame(ssrc uint32, seq uint16) *rtp.Frame {
	return &rtp.Frame{SSRC: ssrc, SequenceNumber: seq, Payload: []byte{byte(seq)}}
}

func TestFrameBufferOrdersReorderedDelivery(t *testing.T) {
	// Scenario D: frames arrive in order 5,4,3,2,1 and must drain 1,2,3,4,5.
	fb := NewFrameBuffer(10, 100*time.Millisecond, nil)
	for _, seq := range []uint16{5, 4, 3, 2, 1} {
		if displaced := fb.Add(testFrame(1, seq)); displaced != nil {
			t.Fatalf("unexpected displacement adding seq %d: %+v", seq, displaced)
		}
	}

	for want := uint16(1); want <= 5; want++ {
		drained := fb.DrainOldest()
		if len(drained) != 1 {
			t.Fatalf("DrainOldest() returned %d frames, want 1", len(drained))
		}
		if drained[0].SequenceNumber != want {
			t.Fatalf("DrainOldest() = seq %d, want %d", drained[0].SequenceNumber, want)
		}
	}
}

func TestFrameBufferCapacityEvictsNewestOnOlderArrival(t *testing.T) {
	// Scenario F: capacity 2, overflow policy.
	fb := NewFrameBuffer(2, 100*time.Millisecond, nil)

	fb.Add(testFrame(1, 10))
	fb.Add(testFrame(1, 20))
	// Queue is full at [10, 20]. An older arrival (15) should evict the
	// newest (20) and take its place.
	displaced := fb.Add(testFrame(1, 15))
	if displaced == nil || displaced.SequenceNumber != 20 {
		t.Fatalf("expected seq 20 to be displaced, got %+v", displaced)
	}

	drained := fb.DrainOldest()
	if len(drained) != 1 || drained[0].SequenceNumber != 10 {
		t.Fatalf("DrainOldest() = %+v, want seq 10", drained)
	}
	drained = fb.DrainOldest()
	if len(drained) != 1 || drained[0].SequenceNumber != 15 {
		t.Fatalf("DrainOldest() = %+v, want seq 15", drained)
	}
}

func TestFrameBufferCapacityDropsNewerArrivalWhenFull(t *testing.T) {
	fb := NewFrameBuffer(2, 100*time.Millisecond, nil)
	fb.Add(testFrame(1, 10))
	fb.Add(testFrame(1, 20))

	// A newer arrival (30) than the newest queued (20) should simply be
	// dropped, leaving the queue unchanged.
	displaced := fb.Add(testFrame(1, 30))
	if displaced == nil || displaced.SequenceNumber != 30 {
		t.Fatalf("expected the incoming frame (seq 30) to be dropped, got %+v", displaced)
	}

	drained := fb.DrainOldest()
	if len(drained) != 1 || drained[0].SequenceNumber != 10 {
		t.Fatalf("DrainOldest() = %+v, want seq 10", drained)
	}
}

func TestFrameBufferDropsDuplicateSequenceNumber(t *testing.T) {
	fb := NewFrameBuffer(10, 100*time.Millisecond, nil)
	fb.Add(testFrame(1, 10))
	displaced := fb.Add(testFrame(1, 10))
	if displaced == nil {
		t.Fatal("expected duplicate sequence number to be dropped")
	}
	if got := fb.DroppedTotal(); got != 1 {
		t.Errorf("DroppedTotal() = %d, want 1", got)
	}
}

func TestFrameBufferMultiStreamDrainReturnsOnePerSSRC(t *testing.T) {
	fb := NewFrameBuffer(10, 100*time.Millisecond, nil)
	fb.Add(testFrame(1, 1))
	fb.Add(testFrame(2, 1))
	fb.Add(testFrame(3, 1))

	drained := fb.DrainOldest()
	if len(drained) != 3 {
		t.Fatalf("DrainOldest() returned %d frames, want 3", len(drained))
	}
}

func TestFrameBufferSequenceWraparoundOrdering(t *testing.T) {
	fb := NewFrameBuffer(10, 100*time.Millisecond, nil)
	fb.Add(testFrame(1, 65534))
	fb.Add(testFrame(1, 65535))
	fb.Add(testFrame(1, 0))
	fb.Add(testFrame(1, 1))

	want := []uint16{65534, 65535, 0, 1}
	for _, w := range want {
		drained := fb.DrainOldest()
		if len(drained) != 1 || drained[0].SequenceNumber != w {
			t.Fatalf("DrainOldest() = %+v, want seq %d", drained, w)
		}
	}
}

// Property: regardless of insertion order, a FrameBuffer with capacity
// large enough to hold every distinct sequence number always drains them
// in modular-ascending order.
func TestFrameBufferOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")

		seen := make(map[int]bool)
		seqs := make([]int, 0, n)
		for len(seqs) < n {
			v := rapid.IntRange(0, 65535).Draw(rt, "seq")
			if seen[v] {
				continue
			}
			seen[v] = true
			seqs = append(seqs, v)
		}

		fb := NewFrameBuffer(n, 100*time.Millisecond, nil)
		base := uint16(seqs[0])
		for _, s := range seqs {
			fb.Add(testFrame(1, uint16(s)))
		}

		// Drain everything and check that each drained sequence number is
		// modular-less than the one drained after it.
		var drained []uint16
		for i := 0; i < n; i++ {
			got := fb.DrainOldest()
			if len(got) != 1 {
				rt.Fatalf("DrainOldest() returned %d frames at step %d, want 1", len(got), i)
			}
			drained = append(drained, got[0].SequenceNumber)
		}

		for i := 1; i < len(drained); i++ {
			if !rtp.SeqLess(drained[i-1], drained[i]) {
				rt.Fatalf("drain order not ascending: %v (base %d)", drained, base)
			}
		}
	})
}
