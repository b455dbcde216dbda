package wsproto

import (
	"encoding/binary"
	"fmt"

	"github.com/relayforge/wsstream/streambuf"
)

// Payload length encoding thresholds (RFC 6455 Section 5.2).
const (
	payloadLen7Bit  = 125
	payloadLen16Bit = 126
	payloadLen64Bit = 127

	maxControlPayload = 125
)

// FrameHeader is the decoded two-byte-plus-extensions header of spec §3's
// "Frame header": flags, opcode, mask presence/value, and payload length,
// independent of where the payload bytes live.
type FrameHeader struct {
	Fin            bool
	Rsv1, Rsv2, Rsv3 bool
	Opcode         Opcode
	Masked         bool
	Mask           uint32
	PayloadLength  uint64
}

// IsControl mirrors spec §3's is_control derivation on the decoded header.
func (h FrameHeader) IsControl() bool { return h.Opcode.IsControl() }

// Frame is a fully decoded inbound frame: header plus the preserved payload
// range. Payload is nil for zero-length frames.
type Frame struct {
	FrameHeader
	Payload *streambuf.PreservedBuffer
}

// DecodeFrame attempts to decode one frame from the head of buf (spec
// §4.B "Decode"). It returns ok=false when buf does not yet contain a full
// frame — the caller should read more data without advancing — and never
// mutates buf; on success, consumed is the number of bytes (including
// header, extended length, mask, and payload) the caller must Advance past.
//
// maxPayload bounds data-frame size (an implementation limit, not an RFC
// requirement); control frames are always bounded to 125 bytes regardless.
func DecodeFrame(buf *streambuf.ReadableBuffer, maxPayload uint64) (f *Frame, consumed int, ok bool, err error) {
	if buf.Length() < 2 {
		return nil, 0, false, nil
	}

	b0 := byte(buf.Peek())
	b1 := byte(buf.PeekAt(1))

	h := FrameHeader{
		Fin:    b0&flagFin != 0,
		Rsv1:   b0&flagRsv1 != 0,
		Rsv2:   b0&flagRsv2 != 0,
		Rsv3:   b0&flagRsv3 != 0,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&0x80 != 0,
	}

	if !isValidOpcode(h.Opcode) {
		return nil, 0, false, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, h.Opcode)
	}
	if h.Rsv1 || h.Rsv2 || h.Rsv3 {
		return nil, 0, false, ErrReservedBits
	}
	if h.IsControl() && !h.Fin {
		return nil, 0, false, ErrControlFragmented
	}

	pos := 2
	shortLen := b1 & 0x7F
	var payloadLen uint64

	switch shortLen {
	case payloadLen16Bit:
		if buf.Length() < pos+2 {
			return nil, 0, false, nil
		}
		payloadLen = uint64(beUint16At(buf, pos))
		pos += 2
	case payloadLen64Bit:
		if buf.Length() < pos+8 {
			return nil, 0, false, nil
		}
		payloadLen = beUint64At(buf, pos)
		pos += 8
		if payloadLen&(1<<63) != 0 {
			return nil, 0, false, ErrProtocolError
		}
	default:
		payloadLen = uint64(shortLen)
	}

	if h.IsControl() && payloadLen > maxControlPayload {
		return nil, 0, false, ErrControlTooLarge
	}
	if !h.IsControl() && payloadLen > maxPayload {
		return nil, 0, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}
	h.PayloadLength = payloadLen

	if h.Masked {
		if buf.Length() < pos+4 {
			return nil, 0, false, nil
		}
		h.Mask = maskKeyToUint32([4]byte{
			byte(buf.PeekAt(pos)), byte(buf.PeekAt(pos + 1)),
			byte(buf.PeekAt(pos + 2)), byte(buf.PeekAt(pos + 3)),
		})
		pos += 4
	}

	total := pos + int(payloadLen)
	if buf.Length() < total {
		return nil, 0, false, nil
	}

	frame := &Frame{FrameHeader: h}
	if payloadLen > 0 {
		frame.Payload = buf.Slice(pos).Take(int(payloadLen)).Preserve()
	}

	return frame, total, true, nil
}

func beUint16At(buf *streambuf.ReadableBuffer, at int) uint16 {
	return binary.BigEndian.Uint16([]byte{byte(buf.PeekAt(at)), byte(buf.PeekAt(at + 1))})
}

func beUint64At(buf *streambuf.ReadableBuffer, at int) uint64 {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(buf.PeekAt(at + i))
	}
	return binary.BigEndian.Uint64(b)
}

// EncodeFrame serializes a header+payload into w (spec §4.B "Encode").
// Server-originated frames must never set Masked (enforced by the
// connection state machine, not here, so tests can exercise edge cases).
func EncodeFrame(w *streambuf.WritableBuffer, h FrameHeader, payload []byte) error {
	if !isValidOpcode(h.Opcode) {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, h.Opcode)
	}
	if h.IsControl() {
		if !h.Fin {
			return ErrControlFragmented
		}
		if len(payload) > maxControlPayload {
			return ErrControlTooLarge
		}
	}

	header := make([]byte, 2)
	if h.Fin {
		header[0] |= flagFin
	}
	if h.Rsv1 {
		header[0] |= flagRsv1
	}
	if h.Rsv2 {
		header[0] |= flagRsv2
	}
	if h.Rsv3 {
		header[0] |= flagRsv3
	}
	header[0] |= byte(h.Opcode) & 0x0F
	if h.Masked {
		header[1] |= 0x80
	}

	n := uint64(len(payload))
	switch {
	case n <= payloadLen7Bit:
		header[1] |= byte(n)
	case n <= 0xFFFF:
		header[1] |= payloadLen16Bit
	default:
		header[1] |= payloadLen64Bit
	}
	w.Append(header)

	switch {
	case n > payloadLen7Bit && n <= 0xFFFF:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(n))
		w.Append(ext)
	case n > 0xFFFF:
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, n)
		w.Append(ext)
	}

	if h.Masked {
		key := maskKeyFromUint32(h.Mask)
		w.Append(key[:])
	}

	if len(payload) > 0 {
		out := append([]byte(nil), payload...)
		if h.Masked {
			ApplyMask(out, h.Mask)
		}
		w.Append(out)
	}

	return nil
}
