package wsproto

import (
	"sync"
	"unicode/utf8"

	"github.com/relayforge/wsstream/streambuf"
)

// MessageType distinguishes the two application-level WebSocket message
// kinds (RFC 6455 Section 5.6).
type MessageType int

const (
	TextMessage   MessageType = MessageType(OpText)
	BinaryMessage MessageType = MessageType(OpBinary)
)

func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is a logical WebSocket message (spec §3): the concatenation of
// one initiating data frame and zero or more continuations, terminated by
// FIN. IsFinal is true on every Message except in buffer_fragments=false
// mode, where each data frame is delivered as its own Message and IsFinal
// mirrors that frame's FIN bit.
type Message struct {
	Opcode  Opcode
	IsFinal bool

	// payloads holds one entry for a single-frame message and several for
	// a reassembled fragmented one; spec §3 "either a single preserved
	// buffer... or an ordered list of preserved buffers."
	payloads []*streambuf.PreservedBuffer

	// CloseCode, when Opcode == OpClose, is the status code parsed off the
	// peer's Close frame (SPEC_FULL §4, resolving spec §9's open question
	// in favor of surfacing it rather than only echoing blind).
	// CloseNoStatusReceived (1005) if the frame carried no status code.
	// Only populated on the Message
	// passed to ServerOptions.OnClose.
	CloseCode CloseCode

	decodeOnce sync.Once
	text       string
	utf8Valid  bool
}

// NewMessage builds a Message from one or more preserved payload ranges in
// wire order.
func NewMessage(opcode Opcode, payloads ...*streambuf.PreservedBuffer) *Message {
	return &Message{Opcode: opcode, IsFinal: true, payloads: payloads}
}

// Len reports the total payload length across all fragments.
func (m *Message) Len() int {
	n := 0
	for _, p := range m.payloads {
		if p != nil {
			n += p.Len()
		}
	}
	return n
}

// Bytes concatenates every fragment's bytes. Safe to call repeatedly.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, m.Len())
	for _, p := range m.payloads {
		if p != nil {
			out = append(out, p.Bytes()...)
		}
	}
	return out
}

// decode lazily concatenates and UTF-8-validates the payload exactly once;
// later calls to Text/ValidUTF8 reuse the cached result (spec §3: "UTF-8
// decoding is deferred and caches its result").
func (m *Message) decode() {
	m.decodeOnce.Do(func() {
		b := m.Bytes()
		m.utf8Valid = utf8.Valid(b)
		m.text = string(b)
	})
}

// Text returns the payload decoded as a string. Idempotent and
// bytewise-identical across calls (spec §8 round-trip property), even if
// the payload is not valid UTF-8 — callers that care check ValidUTF8.
func (m *Message) Text() string {
	m.decode()
	return m.text
}

// ValidUTF8 reports whether the message payload is valid UTF-8. Only
// meaningful for Opcode == OpText; binary messages have no such
// constraint.
func (m *Message) ValidUTF8() bool {
	m.decode()
	return m.utf8Valid
}

// Release releases every preserved payload fragment. Callers that take
// ownership of a Message (rather than consuming it synchronously inside a
// hook) must call Release exactly once when done, mirroring the
// PreservedBuffer contract it wraps.
func (m *Message) Release() {
	for _, p := range m.payloads {
		if p != nil {
			p.Release()
		}
	}
}
