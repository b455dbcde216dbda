package wshub

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/wsstream/wsproto"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

// pipeListener adapts a channel of net.Pipe server halves to the Listener
// seam, letting tests drive Hub without binding a real TCP port.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn, 8), closed: make(chan struct{})}
}

func (l *pipeListener) dial() net.Conn {
	client, server := net.Pipe()
	l.conns <- server
	return client
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func dialAndUpgrade(t *testing.T, client net.Conn) *http.Response {
	t.Helper()
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + sampleKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(client), &http.Request{Method: "GET"})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestHub_ConnectionCountTracksAcceptAndTeardown(t *testing.T) {
	hub := New(Config{})
	ln := newPipeListener()
	if err := hub.StartListener(ln); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	defer hub.Stop()

	client := ln.dial()
	resp := dialAndUpgrade(t, client)
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	deadline := time.After(time.Second)
	for hub.ConnectionCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("ConnectionCount = %d, want 1", hub.ConnectionCount())
		default:
		}
	}

	client.Close()
	for hub.ConnectionCount() != 0 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("ConnectionCount after close = %d, want 0", hub.ConnectionCount())
		default:
		}
	}
}

func TestHub_BroadcastTextReachesAllConnections(t *testing.T) {
	const n = 3
	received := make(chan string, n)

	hub := New(Config{
		OnText: func(c *wsproto.Conn, msg *wsproto.Message) {},
		OnHandshakeComplete: func(c *wsproto.Conn) {
			_ = c
		},
	})
	ln := newPipeListener()
	if err := hub.StartListener(ln); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	defer hub.Stop()

	clients := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		clients[i] = ln.dial()
		resp := dialAndUpgrade(t, clients[i])
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("client %d handshake failed: %d", i, resp.StatusCode)
		}
	}

	deadline := time.After(time.Second)
	for hub.ConnectionCount() != n {
		select {
		case <-deadline:
			t.Fatalf("ConnectionCount = %d, want %d", hub.ConnectionCount(), n)
		default:
		}
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 2+len("hi there"))
			total := 0
			for total < len(buf) {
				m, err := c.Read(buf[total:])
				total += m
				if err != nil {
					return
				}
			}
			received <- string(buf[2:])
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count := hub.BroadcastText(ctx, "hi there", nil)
	if count != n {
		t.Fatalf("BroadcastText delivered to %d, want %d", count, n)
	}

	wg.Wait()
	close(received)
	got := 0
	for s := range received {
		if s != "hi there" {
			t.Fatalf("received %q, want %q", s, "hi there")
		}
		got++
	}
	if got != n {
		t.Fatalf("client read count = %d, want %d", got, n)
	}
}

func TestHub_BroadcastPredicateFiltersTargets(t *testing.T) {
	hub := New(Config{})
	ln := newPipeListener()
	if err := hub.StartListener(ln); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	defer hub.Stop()

	client := ln.dial()
	resp := dialAndUpgrade(t, client)
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake failed: %d", resp.StatusCode)
	}

	deadline := time.After(time.Second)
	for hub.ConnectionCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		default:
		}
	}

	ctx := context.Background()
	excludeAll := func(*wsproto.Conn) bool { return false }
	if count := hub.BroadcastText(ctx, "nope", excludeAll); count != 0 {
		t.Fatalf("BroadcastText with excluding predicate delivered %d, want 0", count)
	}
}

func TestHub_StopIsIdempotent(t *testing.T) {
	hub := New(Config{})
	ln := newPipeListener()
	if err := hub.StartListener(ln); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if count := hub.ConnectionCount(); count != 0 {
		t.Fatalf("ConnectionCount after Stop = %d, want 0", count)
	}
}
