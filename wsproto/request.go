package wsproto

import (
	"strings"

	"github.com/relayforge/wsstream/streambuf"
)

// commonHeaders is the canonicalization table from spec §3: a
// case-insensitive match against this fixed set of ~19 common header names
// returns the canonical-cased entry; anything else is used verbatim.
var commonHeaders = buildCommonHeaders([]string{
	"Host",
	"Connection",
	"Upgrade",
	"Origin",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Key1",
	"Sec-WebSocket-Key2",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Extensions",
	"Sec-WebSocket-Accept",
	"User-Agent",
	"Cookie",
	"Authorization",
	"Content-Length",
	"Content-Type",
	"Accept",
	"Accept-Language",
	"Cache-Control",
})

func buildCommonHeaders(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}

// canonicalHeaderName looks up name in the common-header table
// case-insensitively; if absent, the raw ASCII string is used as-is
// (spec §3 canonicalization rule).
func canonicalHeaderName(name string) string {
	if canon, ok := commonHeaders[strings.ToLower(name)]; ok {
		return canon
	}
	return name
}

// HttpRequest is spec §3's HttpRequest: three preserved byte ranges (method,
// path, version) plus a canonicalized map of preserved header values. Every preserved value
// backing it must be released exactly once via Release.
type HttpRequest struct {
	Method  *streambuf.PreservedBuffer
	Path    *streambuf.PreservedBuffer
	Version *streambuf.PreservedBuffer

	headers map[string]*streambuf.PreservedBuffer
}

func newHttpRequest() *HttpRequest {
	return &HttpRequest{headers: make(map[string]*streambuf.PreservedBuffer)}
}

// setHeader inserts or replaces (spec: "Duplicate names replace") a header
// under its canonicalized name.
func (r *HttpRequest) setHeader(name string, value *streambuf.PreservedBuffer) {
	canon := canonicalHeaderName(name)
	if old, ok := r.headers[canon]; ok {
		old.Release()
	}
	r.headers[canon] = value
}

// Header returns a header's value by name, or "" with ok=false if absent.
// Names in the common-header table match case-insensitively; any other name
// must match exactly as it was received.
func (r *HttpRequest) Header(name string) (string, bool) {
	v, ok := r.headers[canonicalHeaderName(name)]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// MethodString returns the preserved method range as a string.
func (r *HttpRequest) MethodString() string { return r.Method.String() }

// PathString returns the preserved path range as a string.
func (r *HttpRequest) PathString() string { return r.Path.String() }

// VersionString returns the preserved HTTP version range as a string.
func (r *HttpRequest) VersionString() string { return r.Version.String() }

// Release releases every preserved buffer this request retains: the
// method/path/version ranges and every header value (spec §3: "must be
// released when the request is disposed").
func (r *HttpRequest) Release() {
	if r.Method != nil {
		r.Method.Release()
	}
	if r.Path != nil {
		r.Path.Release()
	}
	if r.Version != nil {
		r.Version.Release()
	}
	for _, v := range r.headers {
		v.Release()
	}
}
