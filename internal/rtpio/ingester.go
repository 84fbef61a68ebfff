// Package rtpio owns the multicast UDP sockets RTP frames arrive on and
// fans each parsed frame out to whichever subscribers are interested: the
// mixer's frame buffer, the VAD core, or both.
package rtpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/voxbridge/voxbridge/internal/rtp"
)

// maxPacketBytes is the largest UDP datagram this ingester reads; an RTP
// frame larger than this is truncated by ReadFromUDP, not rejected outright,
// matching typical RTP/Opus packet sizes with generous headroom.
const maxPacketBytes = 1500

// readTimeout bounds each blocking read so the loop can periodically check
// ctx without a dedicated stop channel.
const readTimeout = 100 * time.Millisecond

// FrameSink receives frames destined for mixing.
type FrameSink interface {
	AddFrame(frame *rtp.Frame)
}

// VADSink receives frames destined for voice-activity analysis on a named
// loop. It may reject a frame (e.g. a saturated worker queue); the ingester
// logs and continues rather than treating that as fatal.
type VADSink interface {
	Ingest(loopName string, frame *rtp.Frame) error
}

// Ingester owns one multicast UDP socket and dispatches parsed RTP frames
// to its configured sinks, either of which may be nil.
type Ingester struct {
	conn     *net.UDPConn
	loopName string
	mixer    FrameSink
	vad      VADSink
	log      *slog.Logger
}

// New binds a multicast listener on addr (e.g. "239.1.1.1:5004"). iface, if
// non-empty, pins the listener to a specific network interface; an empty
// iface lets the kernel pick. loopName identifies this loop to the VAD
// sink's per-loop aggregation.
func New(addr, iface, loopName string, mixer FrameSink, vad VADSink, log *slog.Logger) (*Ingester, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpio: resolve %q: %w", addr, err)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("rtpio: interface %q: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", ifi, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("rtpio: listen multicast %q: %w", addr, err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Ingester{
		conn:     conn,
		loopName: loopName,
		mixer:    mixer,
		vad:      vad,
		log:      log.With("component", "rtpio", "loop", loopName, "addr", addr),
	}, nil
}

// Run reads and dispatches frames until ctx is canceled or the socket is
// closed. It always returns nil on a clean shutdown via ctx; it is the
// caller's responsibility to close the Ingester afterward.
func (ing *Ingester) Run(ctx context.Context) error {
	buf := make([]byte, maxPacketBytes)

	for {
		if ctx.Err() != nil {
			return nil
		}

		ing.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := ing.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			ing.log.Debug("read error", "error", err)
			continue
		}

		// Parse a private copy: the frame's slices alias the bytes they were
		// parsed from, and buf is overwritten by the next read while the
		// frame may still be queued in a sink.
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		frame, err := rtp.Parse(pkt)
		if err != nil {
			ing.log.Debug("dropping malformed packet", "error", err, "bytes", n)
			continue
		}

		if ing.mixer != nil {
			ing.mixer.AddFrame(frame)
		}
		if ing.vad != nil {
			if err := ing.vad.Ingest(ing.loopName, frame); err != nil {
				ing.log.Debug("vad ingest skipped", "ssrc", frame.SSRC, "error", err)
			}
		}
	}
}

// Close releases the underlying socket.
func (ing *Ingester) Close() error {
	return ing.conn.Close()
}

// LocalAddr returns the bound local address, primarily useful in tests that
// bind an ephemeral port.
func (ing *Ingester) LocalAddr() net.Addr {
	return ing.conn.LocalAddr()
}
