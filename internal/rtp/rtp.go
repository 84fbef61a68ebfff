// Package rtp parses and encodes RTP packets per RFC 3550, and implements
// the modular (serial-number) sequence ordering RTP streams require.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// minHeaderLength is the smallest possible RTP header: version/flags byte,
// marker/payload-type byte, sequence number, timestamp, SSRC.
const minHeaderLength = 12

// maxCSRCCount is the largest CSRC count the 4-bit CC field can encode.
const maxCSRCCount = 15

var (
	// ErrShortPacket is returned when a byte slice is too small to hold a
	// valid RTP header.
	ErrShortPacket = errors.New("rtp: packet shorter than minimum header length")
	// ErrUnsupportedVersion is returned for any RTP version other than 2,
	// the only version in active use and the only one this mixer accepts.
	ErrUnsupportedVersion = errors.New("rtp: unsupported RTP version")
	// ErrTruncated is returned when a header field (CSRC list, extension,
	// or padding) claims more bytes than the packet actually contains.
	ErrTruncated = errors.New("rtp: packet truncated before declared field end")
)

// Extension is the optional RTP header extension (RFC 3550 §5.3.1).
type Extension struct {
	Profile uint16
	Data    []byte // length is a multiple of 4 bytes, per the wire format
}

// Frame is a parsed RTP packet, carrying both the decoded fields and the
// original wire bytes it was parsed from. It is a read-only view: nothing
// in this package mutates Raw or the slices Payload/CSRC/Extension.Data
// alias into it.
type Frame struct {
	Version        uint8
	Padding        bool
	HasExtension   bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32

	Extension Extension

	Payload []byte // the codec payload, with any trailing padding stripped

	PaddingLength int // number of padding bytes the sender appended

	Raw []byte // the full packet as received
}

// Parse decodes an RTP packet per RFC 3550. It rejects packets shorter than
// the minimum header length and any version other than 2, and returns
// ErrTruncated if a declared field (CSRC list, extension, padding) would
// run past the end of the buffer.
func Parse(b []byte) (*Frame, error) {
	if len(b) < minHeaderLength {
		return nil, ErrShortPacket
	}

	version := b[0] >> 6
	if version != 2 {
		return nil, fmt.Errorf("%w: got version %d", ErrUnsupportedVersion, version)
	}

	padding := b[0]&0x20 != 0
	hasExtension := b[0]&0x10 != 0
	csrcCount := int(b[0] & 0x0F)

	marker := b[1]&0x80 != 0
	payloadType := b[1] & 0x7F

	seq := binary.BigEndian.Uint16(b[2:4])
	ts := binary.BigEndian.Uint32(b[4:8])
	ssrc := binary.BigEndian.Uint32(b[8:12])

	offset := minHeaderLength
	var csrc []uint32
	if csrcCount > 0 {
		need := offset + csrcCount*4
		if need > len(b) {
			return nil, fmt.Errorf("%w: csrc list", ErrTruncated)
		}
		csrc = make([]uint32, csrcCount)
		for i := 0; i < csrcCount; i++ {
			csrc[i] = binary.BigEndian.Uint32(b[offset : offset+4])
			offset += 4
		}
	}

	var ext Extension
	if hasExtension {
		if offset+4 > len(b) {
			return nil, fmt.Errorf("%w: extension header", ErrTruncated)
		}
		ext.Profile = binary.BigEndian.Uint16(b[offset : offset+2])
		lengthWords := int(binary.BigEndian.Uint16(b[offset+2 : offset+4]))
		offset += 4
		need := offset + lengthWords*4
		if need > len(b) {
			return nil, fmt.Errorf("%w: extension data", ErrTruncated)
		}
		ext.Data = b[offset:need]
		offset = need
	}

	payloadEnd := len(b)
	paddingLength := 0
	if padding {
		if offset >= payloadEnd {
			return nil, fmt.Errorf("%w: padding length octet", ErrTruncated)
		}
		paddingLength = int(b[payloadEnd-1])
		if paddingLength == 0 || offset+paddingLength > payloadEnd {
			return nil, fmt.Errorf("%w: padding", ErrTruncated)
		}
		payloadEnd -= paddingLength
	}

	return &Frame{
		Version:        version,
		Padding:        padding,
		HasExtension:   hasExtension,
		Marker:         marker,
		PayloadType:    payloadType,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           ssrc,
		CSRC:           csrc,
		Extension:      ext,
		Payload:        b[offset:payloadEnd],
		PaddingLength:  paddingLength,
		Raw:            b,
	}, nil
}

// Encode serializes a Frame back to wire bytes. It is the inverse of Parse
// and is used by tests that build synthetic packets; the mixer's hot path
// only ever parses.
func Encode(f *Frame) ([]byte, error) {
	if len(f.CSRC) > maxCSRCCount {
		return nil, fmt.Errorf("rtp: too many csrc ids: %d", len(f.CSRC))
	}

	size := minHeaderLength + len(f.CSRC)*4 + len(f.Payload)
	if f.HasExtension {
		size += 4 + len(f.Extension.Data)
	}
	if f.Padding {
		size += f.PaddingLength
	}

	b := make([]byte, size)

	b[0] = 2 << 6 // version 2
	if f.Padding {
		b[0] |= 0x20
	}
	if f.HasExtension {
		b[0] |= 0x10
	}
	b[0] |= byte(len(f.CSRC)) & 0x0F

	if f.Marker {
		b[1] = 0x80
	}
	b[1] |= f.PayloadType & 0x7F

	binary.BigEndian.PutUint16(b[2:4], f.SequenceNumber)
	binary.BigEndian.PutUint32(b[4:8], f.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], f.SSRC)

	offset := minHeaderLength
	for _, id := range f.CSRC {
		binary.BigEndian.PutUint32(b[offset:offset+4], id)
		offset += 4
	}

	if f.HasExtension {
		binary.BigEndian.PutUint16(b[offset:offset+2], f.Extension.Profile)
		binary.BigEndian.PutUint16(b[offset+2:offset+4], uint16(len(f.Extension.Data)/4))
		offset += 4
		copy(b[offset:], f.Extension.Data)
		offset += len(f.Extension.Data)
	}

	copy(b[offset:], f.Payload)
	offset += len(f.Payload)

	if f.Padding && f.PaddingLength > 0 {
		b[len(b)-1] = byte(f.PaddingLength)
	}

	return b, nil
}

// SeqLess implements RFC 1982 serial-number arithmetic for RTP's 16-bit
// sequence numbers: a is considered less than b iff b is reachable from a
// by advancing forward through fewer than half the sequence space. This is
// NOT the same as a plain numeric comparison, which breaks at wraparound
// (e.g. 65535 would incorrectly compare greater than 0).
func SeqLess(a, b uint16) bool {
	d := b - a
	return d != 0 && d < 0x8000
}

// SeqEqual reports whether two sequence numbers are the same.
func SeqEqual(a, b uint16) bool {
	return a == b
}
