package wsproto

import (
	"bytes"
	"testing"

	"github.com/relayforge/wsstream/streambuf"
)

func readable(b []byte) *streambuf.ReadableBuffer {
	return streambuf.NewReadableFromBytes(b)
}

func TestDecodeFrame_MaskedBinaryHello(t *testing.T) {
	// Client sends masked "Hello" as a binary frame (spec §8 scenario 2).
	wire := []byte{0x82, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	buf := readable(wire)

	f, consumed, ok, err := DecodeFrame(buf, defaultMaxFramePayload)
	if err != nil || !ok {
		t.Fatalf("DecodeFrame failed: ok=%v err=%v", ok, err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if f.Opcode != OpBinary || !f.Fin || !f.Masked {
		t.Fatalf("unexpected header: %+v", f.FrameHeader)
	}

	payload := f.Payload.Bytes()
	ApplyMask(payload, f.Mask)
	if string(payload) != "Hello" {
		t.Fatalf("payload = %q, want %q", payload, "Hello")
	}
	f.Payload.Release()
}

func TestDecodeFrame_IncompleteReturnsNotOK(t *testing.T) {
	wire := []byte{0x82, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f} // header+mask plus 2 of 5 payload bytes, 3 bytes short
	buf := readable(wire)

	f, _, ok, err := DecodeFrame(buf, defaultMaxFramePayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || f != nil {
		t.Fatal("expected ok=false, f=nil on an incomplete frame")
	}
}

func TestDecodeFrame_PayloadLengthClasses(t *testing.T) {
	cases := []struct {
		name       string
		payloadLen int
		wantBytes  int // expected count of length-field bytes beyond the 2-byte base header
	}{
		{"125 one byte", 125, 0},
		{"126 two bytes", 126, 2},
		{"65535 two bytes", 65535, 2},
		{"65536 eight bytes", 65536, 8},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0x5A}, tc.payloadLen)
			w := &streambuf.WritableBuffer{}
			if err := EncodeFrame(w, FrameHeader{Fin: true, Opcode: OpBinary}, payload); err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}

			wantTotal := 2 + tc.wantBytes + tc.payloadLen
			if w.Len() != wantTotal {
				t.Fatalf("encoded length = %d, want %d", w.Len(), wantTotal)
			}

			buf := readable(w.Bytes())
			f, consumed, ok, err := DecodeFrame(buf, 1<<20)
			if err != nil || !ok {
				t.Fatalf("DecodeFrame: ok=%v err=%v", ok, err)
			}
			if consumed != wantTotal {
				t.Fatalf("consumed = %d, want %d", consumed, wantTotal)
			}
			if int(f.PayloadLength) != tc.payloadLen {
				t.Fatalf("PayloadLength = %d, want %d", f.PayloadLength, tc.payloadLen)
			}
			if f.Payload != nil {
				f.Payload.Release()
			}
		})
	}
}

func TestDecodeFrame_ControlFrameOver125Rejected(t *testing.T) {
	w := &streambuf.WritableBuffer{}
	// Hand-build a Ping header whose 16-bit extended length field claims a
	// 126-byte payload, which the codec must reject before reading the
	// payload (spec §8: "Control frame with payload 126 bytes is rejected").
	w.Append([]byte{0x89, 126, 0, 126})
	w.Append(bytes.Repeat([]byte{0}, 126))

	buf := readable(w.Bytes())
	_, _, _, err := DecodeFrame(buf, defaultMaxFramePayload)
	if err == nil {
		t.Fatal("expected an error decoding an oversized control frame")
	}
}

func TestDecodeFrame_ControlFrameMustBeFinal(t *testing.T) {
	w := &streambuf.WritableBuffer{}
	w.Append([]byte{0x09, 0x00}) // Ping, FIN=0, zero-length payload

	buf := readable(w.Bytes())
	_, _, _, err := DecodeFrame(buf, defaultMaxFramePayload)
	if err == nil {
		t.Fatal("expected an error decoding a fragmented control frame")
	}
}

func TestDecodeFrame_ReservedOpcodeRejected(t *testing.T) {
	w := &streambuf.WritableBuffer{}
	w.Append([]byte{0x83, 0x00}) // FIN=1, opcode 0x3 (reserved)

	buf := readable(w.Bytes())
	_, _, _, err := DecodeFrame(buf, defaultMaxFramePayload)
	if err == nil {
		t.Fatal("expected an error decoding a reserved opcode")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// spec §8: encode(decode(frame_bytes)) == frame_bytes, for any valid
	// server-inbound masked frame whose payload fits its length class.
	payloads := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("y"), 125),
		bytes.Repeat([]byte("z"), 70000),
	}

	for _, payload := range payloads {
		w := &streambuf.WritableBuffer{}
		h := FrameHeader{Fin: true, Opcode: OpBinary, Masked: true, Mask: 0xAABBCCDD}
		if err := EncodeFrame(w, h, payload); err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		original := append([]byte(nil), w.Bytes()...)

		buf := readable(original)
		f, consumed, ok, err := DecodeFrame(buf, 1<<20)
		if err != nil || !ok {
			t.Fatalf("DecodeFrame: ok=%v err=%v", ok, err)
		}
		if consumed != len(original) {
			t.Fatalf("consumed %d, want %d", consumed, len(original))
		}

		re := &streambuf.WritableBuffer{}
		var rawPayload []byte
		if f.Payload != nil {
			rawPayload = f.Payload.Bytes()
			ApplyMask(rawPayload, f.Mask)
			// unmask before re-encoding, since EncodeFrame expects an
			// unmasked payload and re-masks it internally with f.Mask.
		}
		if err := EncodeFrame(re, f.FrameHeader, rawPayload); err != nil {
			t.Fatalf("re-EncodeFrame: %v", err)
		}
		if !bytes.Equal(re.Bytes(), original) {
			t.Fatalf("round trip mismatch for payload len %d:\n got %x\nwant %x", len(payload), re.Bytes(), original)
		}
		if f.Payload != nil {
			f.Payload.Release()
		}
	}
}
