package nostr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// FrameKind tags what a Receiver yielded (§4.1).
type FrameKind int

const (
	FrameText FrameKind = iota
	FramePing
	FramePong
	FrameClose
)

// Frame is one value produced by a Receiver.
type Frame struct {
	Kind FrameKind
	Text string
	// CloseReason is set when Kind == FrameClose.
	CloseReason string
}

// Sender enqueues outbound text frames with a write timeout (§4.1).
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Receiver yields inbound frames until end-of-stream, signaled by a
// closed channel (§4.1).
type Receiver interface {
	Frames() <-chan Frame
	Done() <-chan struct{}
	Err() error
}

// CloseHandle requests a graceful close with a bounded grace period before
// force-closing (§4.1).
type CloseHandle interface {
	Close(ctx context.Context) error
}

// Transport is the abstract bidirectional message-framed channel to one
// relay endpoint. The core depends only on this interface; a concrete
// WebSocket implementation (WSTransport) is provided, but the core never
// hard-binds to it (§4.1, §9).
type Transport interface {
	Connect(ctx context.Context, url RelayURL, mode ConnectionMode) (Sender, Receiver, CloseHandle, error)
}

// TransportDialer lets ConnectionMode{Kind: ModeCustom} plug in an
// arbitrary dial function without the core depending on its
// implementation.
type TransportDialer func(ctx context.Context, url RelayURL) (Sender, Receiver, CloseHandle, error)

const defaultWriteTimeout = 60 * time.Second
const closeGracePeriod = 5 * time.Second

// WSTransport is the default Transport, built directly on
// github.com/gorilla/websocket rather than a higher-level reconnecting
// wrapper: the Relay state machine (§4.2.1)
// owns reconnection, so the Transport must stay a thin dial-once channel.
type WSTransport struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// TLSConfig overrides the default verifying TLS config for wss://.
	TLSConfig *tls.Config
}

func NewWSTransport() *WSTransport {
	return &WSTransport{WriteTimeout: defaultWriteTimeout, MaxMessageSize: 5 * 1024 * 1024}
}

func (t *WSTransport) Connect(ctx context.Context, url RelayURL, mode ConnectionMode) (Sender, Receiver, CloseHandle, error) {
	if mode.Kind == ModeCustom {
		if mode.CustomDial == nil {
			return nil, nil, nil, newErr(KindTransport, url.String(), "custom connection mode with no dialer")
		}
		return mode.CustomDial(ctx, url)
	}

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = t.TLSConfig

	switch mode.Kind {
	case ModeSocks5:
		if mode.Socks5Addr == "" {
			return nil, nil, nil, newErr(KindInvalidURL, url.String(), "socks5 mode requires an address")
		}
		socksDialer, err := proxy.SOCKS5("tcp", mode.Socks5Addr, nil, proxy.Direct)
		if err != nil {
			return nil, nil, nil, wrapErr(KindTransport, url.String(), err)
		}
		dialer.NetDial = socksDialer.Dial
	case ModeEmbeddedTor:
		// The core abstracts embedded Tor as a ConnectionMode variant and
		// never depends on a concrete Tor implementation (§9); wiring a
		// real embedded-Tor dialer is an application-level concern. Here
		// a relay URL whose host is .onion or local is refused with an
		// error instead of being dialed directly; every other host is
		// dialed directly through a plain net.Dialer.
		d := &net.Dialer{}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			if url.IsOnionOrLocal() {
				return nil, fmt.Errorf("embedded tor dial not configured for %s", addr)
			}
			return d.Dial(network, addr)
		}
	}

	header := http.Header{}
	conn, _, err := dialer.DialContext(ctx, url.String(), header)
	if err != nil {
		return nil, nil, nil, wrapErr(KindTransport, url.String(), err)
	}
	if t.MaxMessageSize > 0 {
		conn.SetReadLimit(t.MaxMessageSize)
	}

	wt := t.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}

	coord := &pingCoord{}
	s := &wsSender{conn: conn, writeTimeout: wt, coord: coord}
	r := &wsReceiver{conn: conn, frames: make(chan Frame, 64), done: make(chan struct{}), coord: coord}
	r.install()
	go r.run()

	return s, r, &wsCloseHandle{conn: conn}, nil
}

// Pinger is an optional capability a Sender may implement to support the
// Relay's ping ticker and latency tracking (§4.2.1, §3 Stats). Relay type-
// asserts for it and silently skips ping tracking when absent, the usual
// Go pattern for an optional capability (cf. io.ReaderFrom).
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

func (s *wsSender) Ping(ctx context.Context) (time.Duration, error) {
	if err := s.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.unlock()

	resultCh := make(chan time.Time, 1)
	s.coord.arm(resultCh)
	start := time.Now()

	deadline := start.Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.coord.disarm()
		return 0, wrapErr(KindTimeout, "", err)
	}

	select {
	case t := <-resultCh:
		return t.Sub(start), nil
	case <-time.After(time.Until(deadline)):
		s.coord.disarm()
		return 0, wrapErr(KindTimeout, "", fmt.Errorf("ping timeout"))
	case <-ctx.Done():
		s.coord.disarm()
		return 0, ctx.Err()
	}
}

// pingCoord hands a pong arrival observed by wsReceiver's handler back to
// whichever wsSender.Ping call is currently waiting for one. It is the
// shared state between the two halves of one connection.
type pingCoord struct {
	mu       sync.Mutex
	waiting  chan time.Time
}

func (c *pingCoord) arm(ch chan time.Time) {
	c.mu.Lock()
	c.waiting = ch
	c.mu.Unlock()
}

func (c *pingCoord) disarm() {
	c.mu.Lock()
	c.waiting = nil
	c.mu.Unlock()
}

func (c *pingCoord) onPong() {
	c.mu.Lock()
	ch := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- time.Now():
		default:
		}
	}
}

type wsSender struct {
	mu           chanMutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	coord        *pingCoord
}

// chanMutex is a 1-buffered channel used as a non-reentrant mutex so Send
// can respect ctx cancellation while waiting for the connection's write
// lock (gorilla/websocket forbids concurrent writers).
type chanMutex chan struct{}

func (m *chanMutex) lock(ctx context.Context) error {
	if *m == nil {
		*m = make(chan struct{}, 1)
	}
	select {
	case *m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (m *chanMutex) unlock() { <-*m }

func (s *wsSender) Send(ctx context.Context, text string) error {
	if err := s.mu.lock(ctx); err != nil {
		return wrapErr(KindTimeout, "", err)
	}
	defer s.mu.unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		if websocket.IsCloseError(err) {
			return ErrNotConnected
		}
		return wrapErr(KindTimeout, "", err)
	}
	return nil
}

type wsReceiver struct {
	conn   *websocket.Conn
	frames chan Frame
	done   chan struct{}
	err    error
	coord  *pingCoord
}

// install registers gorilla's control-frame handlers so inbound pings and
// pongs surface as Frame values on the same channel as text frames,
// instead of being invisible to everything but ReadMessage's data-frame
// return value (gorilla intercepts control frames internally).
func (r *wsReceiver) install() {
	r.conn.SetPingHandler(func(appData string) error {
		select {
		case r.frames <- Frame{Kind: FramePing}:
		default:
		}
		// Mirror gorilla's default behavior: answer with a pong.
		deadline := time.Now().Add(time.Second)
		err := r.conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	r.conn.SetPongHandler(func(string) error {
		select {
		case r.frames <- Frame{Kind: FramePong}:
		default:
		}
		if r.coord != nil {
			r.coord.onPong()
		}
		return nil
	})
}

func (r *wsReceiver) run() {
	defer close(r.done)
	for {
		typ, data, err := r.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				select {
				case r.frames <- Frame{Kind: FrameClose, CloseReason: ce.Text}:
				default:
				}
			}
			r.err = err
			return
		}
		if typ == websocket.TextMessage {
			select {
			case r.frames <- Frame{Kind: FrameText, Text: string(data)}:
			case <-r.done:
				return
			}
		}
	}
}

func (r *wsReceiver) Frames() <-chan Frame   { return r.frames }
func (r *wsReceiver) Done() <-chan struct{} { return r.done }
func (r *wsReceiver) Err() error             { return r.err }

type wsCloseHandle struct {
	conn *websocket.Conn
}

func (h *wsCloseHandle) Close(ctx context.Context) error {
	deadline := time.Now().Add(closeGracePeriod)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	done := make(chan struct{})
	go func() {
		_ = h.conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGracePeriod):
		_ = h.conn.Close()
	}
	return nil
}
