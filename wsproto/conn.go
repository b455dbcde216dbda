package wsproto

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/relayforge/wsstream/streambuf"
	"github.com/relayforge/wsstream/wslog"
)

// connState is the three-state machine of spec §4.D. Reaching closing is
// terminal; Conn does not support re-entry into an earlier state.
type connState int32

const (
	connHandshaking connState = iota
	connStreaming
	connClosing
)

const defaultMaxFramePayload = 32 << 20 // 32 MiB, matching the teacher's UpgradeOptions default

// ServerOptions configures a Conn's handshake validation, fragmentation
// behavior, and the user hooks. The zero value is usable: no
// authentication, no subprotocols, frame-by-frame fragment delivery, lenient
// UTF-8 handling.
type ServerOptions struct {
	// BufferFragments selects whether multi-frame messages are reassembled
	// into one Message (true) or delivered frame-by-frame with IsFinal set
	// per frame (false).
	BufferFragments bool

	// AllowClientsMissingConnectionHeaders accepts a handshake that lacks a
	// well-formed Connection/Upgrade header pair provided either
	// Sec-WebSocket-Version+Key or the legacy Key1+Key2 pair is present.
	AllowClientsMissingConnectionHeaders bool

	// Subprotocols is the server's supported subprotocol list, in
	// preference order. The first one also requested by the client is
	// echoed in Sec-WebSocket-Protocol.
	Subprotocols []string

	// MaxFramePayload bounds a single data frame's payload length. Zero
	// uses defaultMaxFramePayload. Control frames are always bounded to 125
	// bytes regardless.
	MaxFramePayload uint64

	// StrictUTF8 fails the connection with Close 1007 when a Text message's
	// payload is not valid UTF-8. When false, invalid UTF-8 is delivered to
	// OnText unexamined and it is the hook's decision what to do.
	StrictUTF8 bool

	// Authenticate is invoked once per handshake after header validation.
	// A false return rejects the handshake (spec: HandshakeRejected).
	Authenticate func(conn *Conn, req *HttpRequest) bool

	// OnHandshakeComplete runs after the 101 response is flushed and before
	// the ingress loop starts.
	OnHandshakeComplete func(conn *Conn)

	// OnText and OnBinary receive a borrowed Message valid only for the
	// duration of the call; the core releases it when the hook returns.
	OnText   func(conn *Conn, msg *Message)
	OnBinary func(conn *Conn, msg *Message)

	// OnClose, if set, runs once per connection with the status code parsed
	// off the peer's Close frame (Message.CloseCode), right before the Close
	// echo is sent. Not one of the spec's original four hooks; added so the
	// parsed close code has a real consumer instead of being computed and
	// discarded.
	OnClose func(conn *Conn, msg *Message)

	Logger wslog.Logger
}

// Conn is one server-role WebSocket connection: the Handshaking → Streaming
// → Closing state machine of spec §4.D, running over a streambuf.Channel.
type Conn struct {
	// ID is the connection's registry identity. wshub assigns this when the
	// connection is accepted; Conn itself never generates one.
	ID string

	// Request is the parsed handshake request, valid for the connection's
	// lifetime and released by teardown.
	Request *HttpRequest

	channel streambuf.Channel
	opts    *ServerOptions

	state int32 // connState, accessed atomically

	writeMu   sync.Mutex
	closeOnce sync.Once

	fragOpen     bool
	fragOpcode   Opcode
	fragPayloads []*streambuf.PreservedBuffer
}

// NewConn wraps channel in a Conn ready to Serve. opts may be nil for
// all-defaults behavior.
func NewConn(channel streambuf.Channel, opts *ServerOptions) *Conn {
	if opts == nil {
		opts = &ServerOptions{}
	}
	return &Conn{channel: channel, opts: opts}
}

// IsClosed reports whether the connection has entered (or is entering) the
// Closing state.
func (c *Conn) IsClosed() bool {
	return connState(atomic.LoadInt32(&c.state)) == connClosing
}

func (c *Conn) log() wslog.Logger {
	return c.opts.Logger
}

func (c *Conn) maxFramePayload() uint64 {
	if c.opts.MaxFramePayload > 0 {
		return c.opts.MaxFramePayload
	}
	return defaultMaxFramePayload
}

// Serve runs the full connection lifetime: handshake, then the ingress loop,
// then teardown. It returns the error that ended the connection — a clean
// peer-initiated close surfaces as ErrChannelCompletedCleanly or nil from a
// graceful Close, never as a panic or process abort (spec §7: "Nothing in
// the core aborts the process").
func (c *Conn) Serve(ctx context.Context) error {
	req, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	c.Request = req
	atomic.StoreInt32(&c.state, int32(connStreaming))

	defer c.teardown()

	err = c.ingressLoop(ctx)
	if err != nil && err != errCleanClose {
		return err
	}
	return nil
}

// errCleanClose is returned internally by ingressLoop when a Close frame was
// exchanged in the ordinary course of the protocol; Serve does not surface
// it as a connection error.
var errCleanClose = fmt.Errorf("wsproto: clean close")

func (c *Conn) teardown() {
	atomic.StoreInt32(&c.state, int32(connClosing))
	c.channel.Input().Complete(nil)
	c.channel.Output().Complete(nil)
	for _, p := range c.fragPayloads {
		p.Release()
	}
	c.fragPayloads = nil
	if c.Request != nil {
		c.Request.Release()
	}
}

// --- Handshake (spec §4.D "Handshake (Server role)") ---

func (c *Conn) handshake(ctx context.Context) (*HttpRequest, error) {
	req, err := ParseUpgradeRequest(ctx, c.channel.Input())
	if err != nil {
		return nil, err
	}

	host, ok := req.Header("Host")
	if !ok || host == "" {
		req.Release()
		return nil, ErrMissingHost
	}

	if !c.validateUpgradeHeaders(req) {
		req.Release()
		return nil, ErrMissingUpgrade
	}

	if err := c.validateVersion(ctx, req); err != nil {
		req.Release()
		return nil, err
	}

	key, hasKey := req.Header("Sec-WebSocket-Key")
	if !hasKey {
		// A legacy Key1/Key2 handshake may have satisfied
		// validateUpgradeHeaders' fallback, but this core speaks only the
		// RFC 6455 accept-token scheme; draft-76's challenge-response has
		// no equivalent here (see DESIGN.md).
		req.Release()
		return nil, ErrMissingSecKey
	}

	if c.opts.Authenticate != nil && !c.opts.Authenticate(c, req) {
		req.Release()
		return nil, ErrHandshakeRejected
	}

	subprotocol := c.negotiateSubprotocol(req)
	accept := computeAcceptKey(key)

	if err := c.sendSwitchingProtocols(ctx, accept, subprotocol); err != nil {
		req.Release()
		return nil, err
	}

	if c.opts.OnHandshakeComplete != nil {
		c.opts.OnHandshakeComplete(c)
	}

	return req, nil
}

func (c *Conn) validateUpgradeHeaders(req *HttpRequest) bool {
	connHeader, _ := req.Header("Connection")
	upgradeHeader, _ := req.Header("Upgrade")
	if headerContainsToken(connHeader, "upgrade") && strings.EqualFold(strings.TrimSpace(upgradeHeader), "websocket") {
		return true
	}

	if !c.opts.AllowClientsMissingConnectionHeaders {
		return false
	}

	_, hasVersion := req.Header("Sec-WebSocket-Version")
	_, hasKey := req.Header("Sec-WebSocket-Key")
	if hasVersion && hasKey {
		return true
	}
	_, hasKey1 := req.Header("Sec-WebSocket-Key1")
	_, hasKey2 := req.Header("Sec-WebSocket-Key2")
	return hasKey1 && hasKey2
}

func (c *Conn) validateVersion(ctx context.Context, req *HttpRequest) error {
	v, ok := req.Header("Sec-WebSocket-Version")
	if ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			switch n {
			case 4, 5, 6, 7, 8, 13:
				return nil
			}
		}
	}
	_ = c.writeRaw(ctx, []byte("HTTP/1.1 400 Bad Request\r\nSec-WebSocket-Version: 13\r\nContent-Length: 0\r\n\r\n"))
	return ErrUnsupportedVersion
}

func (c *Conn) negotiateSubprotocol(req *HttpRequest) string {
	if len(c.opts.Subprotocols) == 0 {
		return ""
	}
	requested, _ := req.Header("Sec-WebSocket-Protocol")
	offered := strings.Split(requested, ",")
	for _, have := range c.opts.Subprotocols {
		for _, want := range offered {
			if strings.TrimSpace(want) == have {
				return have
			}
		}
	}
	return ""
}

func (c *Conn) sendSwitchingProtocols(ctx context.Context, accept, subprotocol string) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(accept)
	b.WriteString("\r\n")
	if subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: ")
		b.WriteString(subprotocol)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return c.writeRaw(ctx, []byte(b.String()))
}

// headerContainsToken reports whether header, a comma-separated list, has
// token as one of its entries (case-insensitive, whitespace-trimmed).
func headerContainsToken(header, token string) bool {
	token = strings.ToLower(token)
	for _, h := range strings.Split(header, ",") {
		if strings.ToLower(strings.TrimSpace(h)) == token {
			return true
		}
	}
	return false
}

func (c *Conn) writeRaw(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	out := c.channel.Output()
	buf := out.Alloc()
	buf.Append(b)
	return out.FlushAsync(ctx, buf)
}

// --- Egress (spec §4.D "Egress") ---

// sendFrame serializes one server-originated (unmasked) frame under the
// connection's single-producer write lock. A Close frame is let through
// even after the state has moved to connClosing, so Close itself can use
// this path; every other opcode is rejected once closing has begun.
func (c *Conn) sendFrame(ctx context.Context, opcode Opcode, payload []byte) error {
	if opcode != OpClose && connState(atomic.LoadInt32(&c.state)) == connClosing {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out := c.channel.Output()
	buf := out.Alloc()
	if err := EncodeFrame(buf, FrameHeader{Fin: true, Opcode: opcode}, payload); err != nil {
		return err
	}
	if err := out.FlushAsync(ctx, buf); err != nil {
		atomic.StoreInt32(&c.state, int32(connClosing))
		return fmt.Errorf("wsproto: send failed: %w", err)
	}
	return nil
}

// SendText sends a single-frame Text message.
func (c *Conn) SendText(ctx context.Context, s string) error {
	return c.sendFrame(ctx, OpText, []byte(s))
}

// SendBinary sends a single-frame Binary message.
func (c *Conn) SendBinary(ctx context.Context, b []byte) error {
	return c.sendFrame(ctx, OpBinary, b)
}

// SendPing sends a Ping with the given application data (at most 125 bytes).
func (c *Conn) SendPing(ctx context.Context, payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.sendFrame(ctx, OpPing, payload)
}

// Close sends a Close frame with code and reason and transitions the
// connection to Closing. Idempotent: only the first call actually sends;
// later calls are no-ops returning nil (spec §8: "Double-invocation of
// stop() is a no-op on the second call" — Close follows the same contract
// at the connection level).
func (c *Conn) Close(ctx context.Context, code CloseCode, reason string) error {
	var sendErr error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(connClosing))
		payload := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
		sendErr = c.sendFrame(ctx, OpClose, payload)
	})
	return sendErr
}

func (c *Conn) failConnection(ctx context.Context, code CloseCode) {
	_ = c.Close(ctx, code, "")
}

// --- Ingress (spec §4.D "Ingress loop") ---

func (c *Conn) ingressLoop(ctx context.Context) error {
	reader := c.channel.Input()

readLoop:
	for {
		buf, completed, err := reader.ReadAsync(ctx)
		if err != nil {
			return err
		}

		for {
			frame, consumed, ok, ferr := DecodeFrame(buf, c.maxFramePayload())
			if ferr != nil {
				c.failConnection(ctx, CloseProtocolError)
				return ferr
			}
			if !ok {
				if completed {
					if buf.Length() == 0 {
						return ErrChannelCompletedCleanly
					}
					c.failConnection(ctx, CloseProtocolError)
					return ErrProtocolError
				}
				continue readLoop
			}
			reader.Advance(consumed)

			stop, err := c.handleFrame(ctx, frame)
			if stop {
				return err
			}

			buf, completed, err = reader.ReadAsync(ctx)
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, f *Frame) (stop bool, err error) {
	if !f.Masked {
		if f.Payload != nil {
			f.Payload.Release()
		}
		c.failConnection(ctx, CloseProtocolError)
		return true, ErrMaskRequired
	}

	if f.Payload != nil {
		ApplyMaskSpans(f.Payload.Spans(), f.Mask)
	}

	if f.Opcode.IsControl() {
		return c.handleControlFrame(ctx, f)
	}
	return c.handleDataFrame(ctx, f)
}

func (c *Conn) handleControlFrame(ctx context.Context, f *Frame) (stop bool, err error) {
	payload := payloadBytes(f.Payload)

	switch f.Opcode {
	case OpPing:
		if sendErr := c.sendFrame(ctx, OpPong, payload); sendErr != nil {
			if f.Payload != nil {
				f.Payload.Release()
			}
			return true, sendErr
		}
	case OpPong:
		// No reply and no required hook dispatch (spec §4.D); a future hub
		// liveness tracker could observe this, but the core has none today.
	case OpClose:
		code := CloseNoStatusReceived
		if len(payload) >= 2 {
			code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
		}
		if f.Payload != nil {
			f.Payload.Release()
		}
		if c.opts.OnClose != nil {
			msg := &Message{Opcode: OpClose, IsFinal: true, CloseCode: code}
			c.safeHook(func() { c.opts.OnClose(c, msg) })
		}
		echo := code
		if echo == CloseNoStatusReceived {
			echo = CloseNormalClosure
		}
		_ = c.Close(ctx, echo, "")
		return true, errCleanClose
	}

	if f.Payload != nil {
		f.Payload.Release()
	}
	return false, nil
}

func (c *Conn) handleDataFrame(ctx context.Context, f *Frame) (stop bool, err error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if c.fragOpen {
			if f.Payload != nil {
				f.Payload.Release()
			}
			c.failConnection(ctx, CloseProtocolError)
			return true, ErrFragmentationInProgress
		}

		if !c.opts.BufferFragments {
			msg := NewMessage(f.Opcode, f.Payload)
			msg.IsFinal = f.Fin
			if !f.Fin {
				c.fragOpen = true
				c.fragOpcode = f.Opcode
			}
			return c.deliver(ctx, msg)
		}

		if f.Fin {
			return c.deliver(ctx, NewMessage(f.Opcode, f.Payload))
		}
		c.fragOpen = true
		c.fragOpcode = f.Opcode
		c.fragPayloads = append(c.fragPayloads, f.Payload)
		return false, nil

	case OpContinuation:
		if !c.fragOpen {
			if f.Payload != nil {
				f.Payload.Release()
			}
			c.failConnection(ctx, CloseProtocolError)
			return true, ErrUnexpectedContinuation
		}

		if !c.opts.BufferFragments {
			msg := NewMessage(c.fragOpcode, f.Payload)
			msg.IsFinal = f.Fin
			if f.Fin {
				c.fragOpen = false
			}
			return c.deliver(ctx, msg)
		}

		c.fragPayloads = append(c.fragPayloads, f.Payload)
		if !f.Fin {
			return false, nil
		}
		msg := NewMessage(c.fragOpcode, c.fragPayloads...)
		c.fragPayloads = nil
		c.fragOpen = false
		return c.deliver(ctx, msg)

	default:
		if f.Payload != nil {
			f.Payload.Release()
		}
		c.failConnection(ctx, CloseProtocolError)
		return true, ErrInvalidOpcode
	}
}

// deliver dispatches msg to the matching user hook and releases it when the
// hook returns — msg is borrowed, not owned, by OnText/OnBinary (spec §7
// UserHookError: "swallowed, logged, connection continues").
func (c *Conn) deliver(ctx context.Context, msg *Message) (stop bool, err error) {
	if msg.Opcode == OpText && c.opts.StrictUTF8 && !msg.ValidUTF8() {
		msg.Release()
		c.failConnection(ctx, CloseInvalidPayload)
		return true, ErrInvalidUTF8
	}

	defer msg.Release()
	switch msg.Opcode {
	case OpText:
		if c.opts.OnText != nil {
			c.safeHook(func() { c.opts.OnText(c, msg) })
		}
	case OpBinary:
		if c.opts.OnBinary != nil {
			c.safeHook(func() { c.opts.OnBinary(c, msg) })
		}
	}
	return false, nil
}

func (c *Conn) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("user hook panicked", fmt.Errorf("%v", r), map[string]any{"connection_id": c.ID})
		}
	}()
	fn()
}

func payloadBytes(p *streambuf.PreservedBuffer) []byte {
	if p == nil {
		return nil
	}
	return p.Bytes()
}
