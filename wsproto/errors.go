package wsproto

import "errors"

// Error kinds and their disposition are tabulated in spec §7. Each sentinel
// below corresponds to one row; conn.go maps them to the close code
// or handshake response the table specifies.
var (
	// ErrProtocolError is the generic protocol violation (spec §7:
	// ProtocolViolation → Close 1002).
	ErrProtocolError = errors.New("wsproto: protocol error")

	// ErrInvalidUTF8 is raised when a Text message's payload fails UTF-8
	// validation and ServerOptions.StrictUTF8 is set.
	ErrInvalidUTF8 = errors.New("wsproto: invalid UTF-8 in text frame")

	// ErrFrameTooLarge indicates a data frame payload exceeds
	// ServerOptions.MaxFramePayload.
	ErrFrameTooLarge = errors.New("wsproto: frame too large")

	// ErrReservedBits indicates RSV1-3 were set without a negotiated
	// extension (none are supported by this core; spec §1 non-goals).
	ErrReservedBits = errors.New("wsproto: reserved bits must be zero")

	// ErrInvalidOpcode indicates a reserved or unknown opcode.
	ErrInvalidOpcode = errors.New("wsproto: invalid opcode")

	// ErrControlFragmented indicates a control frame with FIN=0.
	ErrControlFragmented = errors.New("wsproto: control frame must not be fragmented")

	// ErrControlTooLarge indicates a control frame payload over 125 bytes
	// (spec §4.B, §8 boundary behavior).
	ErrControlTooLarge = errors.New("wsproto: control frame payload too large")

	// ErrUnexpectedContinuation indicates a Continuation frame with no
	// open fragmentation accumulator (spec §8 boundary behavior).
	ErrUnexpectedContinuation = errors.New("wsproto: unexpected continuation frame")

	// ErrFragmentationInProgress indicates a new Text/Binary frame arrived
	// while an accumulator was still open (spec §8 boundary behavior).
	ErrFragmentationInProgress = errors.New("wsproto: data frame while fragment open")

	// ErrMaskRequired: server role rejects any unmasked inbound frame
	// (spec §4.B "Server role: reject... any incoming frame with
	// is_masked == false").
	ErrMaskRequired = errors.New("wsproto: client frames must be masked")

	// Handshake error kinds (spec §7).

	// ErrHandshakeMalformed covers any failure to parse the upgrade
	// request itself (spec kind HandshakeMalformed).
	ErrHandshakeMalformed = errors.New("wsproto: malformed handshake request")

	// ErrMissingHost: Host header required and non-empty (spec §4.D step 1).
	ErrMissingHost = errors.New("wsproto: missing Host header")

	// ErrMissingUpgrade: Connection/Upgrade header pair absent and the
	// allow-missing-headers fallback did not apply either.
	ErrMissingUpgrade = errors.New("wsproto: missing or invalid Upgrade/Connection headers")

	// ErrMissingSecKey: the RFC 6455 Sec-WebSocket-Key header is absent.
	// A request carrying only the draft-76 Key1/Key2 pair also gets this
	// error, since only the RFC 6455 accept token is computed.
	ErrMissingSecKey = errors.New("wsproto: missing Sec-WebSocket-Key")

	// ErrUnsupportedVersion: Sec-WebSocket-Version not in {4,5,6,7,8,13}
	// (spec kind UnsupportedVersion → 400 with Sec-WebSocket-Version: 13).
	ErrUnsupportedVersion = errors.New("wsproto: unsupported Sec-WebSocket-Version")

	// ErrHandshakeRejected: the authenticate hook returned false.
	ErrHandshakeRejected = errors.New("wsproto: handshake rejected by authenticate hook")

	// Connection runtime error kinds.

	// ErrClosed indicates an operation on an already-closed connection.
	ErrClosed = errors.New("wsproto: connection closed")

	// ErrChannelCompletedCleanly indicates the peer closed the socket
	// without a preceding Close frame (spec kind ChannelCompletedCleanly).
	ErrChannelCompletedCleanly = errors.New("wsproto: channel completed cleanly")
)
