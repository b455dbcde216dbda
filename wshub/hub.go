// Package wshub implements the server hub of spec §4.E: binds a TCP
// listener, spawns one task per accepted connection running the wsproto
// state machine, and owns a concurrent registry used for broadcast, ping,
// and close-all fan-out.
package wshub

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/wsstream/streambuf"
	"github.com/relayforge/wsstream/wslog"
	"github.com/relayforge/wsstream/wsproto"
)

// Config configures a Hub. Configuration is struct literals only; no CLI,
// env var, or file-backed loader is part of the core.
type Config struct {
	// BufferFragments and AllowClientsMissingConnectionHeaders are passed
	// through to every accepted connection's wsproto.ServerOptions.
	BufferFragments                      bool
	AllowClientsMissingConnectionHeaders bool
	Subprotocols                         []string
	MaxFramePayload                      uint64
	StrictUTF8                           bool

	Authenticate        func(conn *wsproto.Conn, req *wsproto.HttpRequest) bool
	OnHandshakeComplete func(conn *wsproto.Conn)
	OnText              func(conn *wsproto.Conn, msg *wsproto.Message)
	OnBinary            func(conn *wsproto.Conn, msg *wsproto.Message)
	OnClose             func(conn *wsproto.Conn, msg *wsproto.Message)

	// EgressQueueDepth bounds the per-connection broadcast queue (spec §9:
	// "Broadcast without double-send-lock contention"). Zero uses
	// defaultEgressQueueDepth.
	EgressQueueDepth int

	Logger wslog.Logger
}

const defaultEgressQueueDepth = 16

func (c *Config) serverOptions(logger wslog.Logger) *wsproto.ServerOptions {
	return &wsproto.ServerOptions{
		BufferFragments:                       c.BufferFragments,
		AllowClientsMissingConnectionHeaders:  c.AllowClientsMissingConnectionHeaders,
		Subprotocols:                          c.Subprotocols,
		MaxFramePayload:                       c.MaxFramePayload,
		StrictUTF8:                            c.StrictUTF8,
		Authenticate:                          c.Authenticate,
		OnHandshakeComplete:                   c.OnHandshakeComplete,
		OnText:                                c.OnText,
		OnBinary:                              c.OnBinary,
		OnClose:                               c.OnClose,
		Logger:                                logger,
	}
}

// Listener is the transport seam named in spec §4.E ("native event-loop
// listener, OS-socket listener"): anything that accepts net.Conn streams.
// TCPListener is the one concrete implementation this module ships; an
// io_uring/epoll-driven listener could satisfy this interface without
// touching the rest of wshub.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// TCPListener adapts net.Listener to the Listener seam.
type TCPListener struct {
	net.Listener
}

// egressJob is one queued send, dispatched to a connection's own egress
// worker so a slow peer's full TCP buffer stalls only that connection's
// queue, never the broadcast caller or its sibling connections.
type egressJob func(ctx context.Context, c *wsproto.Conn) error

// registryEntry pairs a live connection with the cancel func for its
// per-connection context (so Stop can unblock a pending read) and the
// bounded egress queue drained by its own worker goroutine.
type registryEntry struct {
	conn   *wsproto.Conn
	cancel context.CancelFunc
	egress chan egressJob
}

// Hub is spec §4.E's server hub: accept loop, connection registry, and
// broadcast/ping/close-all fan-out.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	registry map[string]registryEntry
	listener Listener

	group  *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	stopOnce sync.Once
}

// New builds a Hub from cfg. The hub does nothing until Start is called.
func New(cfg Config) *Hub {
	return &Hub{cfg: cfg, registry: make(map[string]registryEntry)}
}

// Start binds a TCP listener on (ip, port) and spawns the accept loop as an
// independent task; it returns once the listener is bound, not once the hub
// has stopped.
func (h *Hub) Start(ip string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, itoa(port)))
	if err != nil {
		return err
	}
	return h.StartListener(&TCPListener{ln})
}

// StartListener runs the accept loop over an already-bound Listener,
// letting a caller substitute a non-TCP transport (spec §4.E's "native
// event-loop" seam).
func (h *Hub) StartListener(ln Listener) error {
	h.mu.Lock()
	h.listener = ln
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	group, groupCtx := errgroup.WithContext(ctx)
	h.group = group
	h.groupCtx = groupCtx
	h.mu.Unlock()

	group.Go(func() error {
		return h.acceptLoop(groupCtx, ln)
	})

	h.cfg.Logger.Info("hub listening", map[string]any{"addr": ln.Addr().String()})
	return nil
}

func (h *Hub) acceptLoop(ctx context.Context, ln Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		connCtx, cancel := context.WithCancel(ctx)
		id := uuid.New().String()
		wsConn := wsproto.NewConn(streambuf.NewNetChannel(conn), h.connOptions(id))
		wsConn.ID = id

		depth := h.cfg.EgressQueueDepth
		if depth <= 0 {
			depth = defaultEgressQueueDepth
		}
		entry := registryEntry{conn: wsConn, cancel: cancel, egress: make(chan egressJob, depth)}

		h.mu.Lock()
		h.registry[id] = entry
		h.mu.Unlock()

		h.group.Go(func() error {
			h.runEgressWorker(connCtx, entry)
			return nil
		})

		h.group.Go(func() error {
			defer h.remove(id)
			defer cancel()
			_ = wsConn.Serve(connCtx)
			return nil
		})
	}
}

// connOptions builds per-connection ServerOptions wrapping the configured
// hooks; OnHandshakeComplete additionally fires once the connection is
// already registered (the registry insert itself happens unconditionally in
// acceptLoop, ahead of the handshake outcome, and removed on teardown
// regardless of whether the handshake ever completed).
func (h *Hub) connOptions(id string) *wsproto.ServerOptions {
	opts := h.cfg.serverOptions(h.cfg.Logger)
	userComplete := opts.OnHandshakeComplete
	opts.OnHandshakeComplete = func(c *wsproto.Conn) {
		if userComplete != nil {
			userComplete(c)
		}
	}
	return opts
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.registry, id)
	h.mu.Unlock()
}

// runEgressWorker drains one connection's egress queue until ctx is
// canceled (connection torn down). The queue itself is never closed; a
// full-queue drop (see enqueue) force-closes the connection, and its
// teardown then cancels ctx.
func (h *Hub) runEgressWorker(ctx context.Context, entry registryEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-entry.egress:
			if !ok {
				return
			}
			if err := job(ctx, entry.conn); err != nil {
				h.cfg.Logger.Debug("egress job failed", map[string]any{
					"connection_id": entry.conn.ID,
					"error":         err.Error(),
				})
			}
		}
	}
}

// enqueue offers job to entry's bounded queue without blocking; on a full
// queue it drops the job and force-closes the connection (spec §9's
// drop-on-overflow-marks-peer-closed rule) rather than let a slow consumer
// stall the broadcast or grow memory unboundedly.
func (h *Hub) enqueue(entry registryEntry, job egressJob) bool {
	select {
	case entry.egress <- job:
		return true
	default:
		go func() {
			_ = entry.conn.Close(context.Background(), wsproto.CloseTryAgainLater, "egress queue full")
		}()
		return false
	}
}

// Stop stops the listener, cancels every in-flight connection task, and
// waits for them to finish. Double-invocation is a no-op on the second call
// (spec §8). After Stop returns, no new connection tasks are running,
// matching spec §4.E's invariant.
func (h *Hub) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.mu.RLock()
		ln := h.listener
		group := h.group
		cancel := h.cancel
		h.mu.RUnlock()

		if cancel != nil {
			cancel()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if group != nil {
			err = group.Wait()
		}

		h.mu.Lock()
		h.registry = make(map[string]registryEntry)
		h.mu.Unlock()
	})
	return err
}

// ConnectionCount reports the number of connections currently registered
// (spec §8 property 5).
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.registry)
}

func (h *Hub) snapshot() []registryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]registryEntry, 0, len(h.registry))
	for _, e := range h.registry {
		out = append(out, e)
	}
	return out
}

// Predicate selects which connections a broadcast/ping/close-all operation
// targets; nil matches every connection.
type Predicate func(conn *wsproto.Conn) bool

// BroadcastText sends a Text message to every registered, not-closed
// connection matching pred (nil matches all) and returns the count of
// connections whose egress queue accepted the send. A connection with a
// full queue is not counted and is force-closed; a send that later fails in
// the connection's egress worker is logged and stays counted.
func (h *Hub) BroadcastText(ctx context.Context, s string, pred Predicate) int {
	return h.broadcast(pred, func(c *wsproto.Conn) error {
		return c.SendText(ctx, s)
	})
}

// BroadcastBinary is BroadcastText for a Binary payload.
func (h *Hub) BroadcastBinary(ctx context.Context, b []byte, pred Predicate) int {
	return h.broadcast(pred, func(c *wsproto.Conn) error {
		return c.SendBinary(ctx, b)
	})
}

// Ping sends a Ping with the given payload (nil for empty) to every
// matching connection and returns the count attempted successfully.
func (h *Hub) Ping(ctx context.Context, payload []byte, pred Predicate) int {
	return h.broadcast(pred, func(c *wsproto.Conn) error {
		return c.SendPing(ctx, payload)
	})
}

// CloseAll sends a Close frame with reason to every matching connection and
// returns the count attempted.
func (h *Hub) CloseAll(ctx context.Context, code wsproto.CloseCode, reason string, pred Predicate) int {
	return h.broadcast(pred, func(c *wsproto.Conn) error {
		return c.Close(ctx, code, reason)
	})
}

// broadcast iterates a registry snapshot (cross-connection ordering is
// explicitly not guaranteed, spec §5) and counts a delivery as successful
// the moment its send job is accepted onto the target's bounded egress
// queue, not once that queue's worker has actually flushed it. Counting at
// flush would mean one stalled peer (full TCP buffer) blocks the whole
// broadcast call until its send drains — defeating the queue's purpose,
// and with a context.Background() caller it would never unblock. Per-connection
// ordering is still preserved because a connection's queue drains strictly
// in order.
func (h *Hub) broadcast(pred Predicate, send func(*wsproto.Conn) error) int {
	entries := h.snapshot()

	count := 0
	for _, entry := range entries {
		if entry.conn.IsClosed() {
			continue
		}
		if pred != nil && !pred(entry.conn) {
			continue
		}
		if h.enqueue(entry, func(ctx context.Context, c *wsproto.Conn) error {
			return send(c)
		}) {
			count++
		}
	}
	return count
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
