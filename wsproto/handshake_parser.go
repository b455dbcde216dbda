package wsproto

import (
	"context"
	"strings"

	"github.com/relayforge/wsstream/streambuf"
)

// parserState is the two-state machine of spec §4.C.
type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
)

// ParseUpgradeRequest consumes reader's stream in a loop of ReadAsync calls
// until the blank-line CRLF terminating the header block is found, then
// reports bytes consumed back to the channel via Advance and returns
// (spec §4.C). It never advances past a partial line, and an end-of-stream
// with no bytes at all is a fatal parse error (spec §4.C / §7
// HandshakeMalformed).
func ParseUpgradeRequest(ctx context.Context, reader streambuf.Reader) (*HttpRequest, error) {
	req := newHttpRequest()
	state := stateStartLine

readLoop:
	for {
		buf, completed, err := reader.ReadAsync(ctx)
		if err != nil {
			return nil, err
		}
		if buf.Length() == 0 && completed {
			return nil, ErrHandshakeMalformed
		}

		// Drain as many complete lines as are already buffered before
		// asking the channel for more.
		for {
			switch state {
			case stateStartLine:
				prefix, _, ok := buf.TrySliceTo('\r', '\n')
				if !ok {
					if completed {
						return nil, ErrHandshakeMalformed
					}
					continue readLoop
				}
				if err := parseStartLine(req, prefix); err != nil {
					return nil, err
				}
				reader.Advance(prefix.Length() + 2)
				state = stateHeaders

			case stateHeaders:
				if buf.Peek() == '\r' && buf.PeekAt(1) == '\n' {
					reader.Advance(2)
					return req, nil
				}

				prefix, _, ok := buf.TrySliceTo('\n', -1)
				if !ok {
					if completed {
						return nil, ErrHandshakeMalformed
					}
					continue readLoop
				}
				if err := parseHeaderLine(req, prefix); err != nil {
					return nil, err
				}
				reader.Advance(prefix.Length() + 1)
			}

			// A line was fully consumed; the channel may already hold the
			// next one buffered (e.g. a pipelined handshake), so re-fetch
			// before falling back to a blocking read.
			buf, completed, err = reader.ReadAsync(ctx)
			if err != nil {
				return nil, err
			}
			if buf.Length() == 0 && completed {
				return nil, ErrHandshakeMalformed
			}
		}
	}
}

// parseStartLine splits "METHOD PATH VERSION" on single spaces and
// preserves each token (spec §4.C StartLine state).
func parseStartLine(req *HttpRequest, line *streambuf.ReadableBuffer) error {
	s := line.GetASCIIString()
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 {
		return ErrHandshakeMalformed
	}

	methodEnd := len(parts[0])
	pathStart := methodEnd + 1
	pathEnd := pathStart + len(parts[1])
	versionStart := pathEnd + 1

	req.Method = line.Take(methodEnd).Preserve()
	req.Path = line.Slice(pathStart).Take(len(parts[1])).Preserve()
	req.Version = line.Slice(versionStart).Preserve()
	return nil
}

// parseHeaderLine splits "Name: value" (trimming surrounding whitespace
// from both sides) and inserts it canonicalized (spec §4.C Headers state).
func parseHeaderLine(req *HttpRequest, line *streambuf.ReadableBuffer) error {
	s := line.GetASCIIString()
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ErrHandshakeMalformed
	}

	name := strings.TrimSpace(s[:idx])
	valueStart := idx + 1
	for valueStart < len(s) && (s[valueStart] == ' ' || s[valueStart] == '\t') {
		valueStart++
	}
	valueEnd := len(s)
	for valueEnd > valueStart && (s[valueEnd-1] == ' ' || s[valueEnd-1] == '\t' || s[valueEnd-1] == '\r') {
		valueEnd--
	}

	value := line.Slice(valueStart).Take(valueEnd - valueStart).Preserve()
	req.setHeader(name, value)
	return nil
}
