package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/powfeed/powfeed/pkg/nostr"
)

const (
	// writeTimeout is the deadline for a single frame write.
	writeTimeout = 10 * time.Second

	// closeGrace bounds the close handshake frame on teardown.
	closeGrace = time.Second

	// maxFrameSize caps inbound frames; relays send single events per frame.
	maxFrameSize = 1 << 20

	defaultDialTimeout = 10 * time.Second
)

var (
	// ErrNotOpen is returned by Send and Subscribe when the socket is not open.
	ErrNotOpen = errors.New("relay: connection not open")

	// ErrClosed is returned by Run on a Conn that was already closed.
	ErrClosed = errors.New("relay: connection closed")
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is one state change of a Conn. Err is set when the change was
// caused by a failure.
type Status struct {
	URL   string
	State State
	Err   error
	At    time.Time
}

// Options configures a Conn.
type Options struct {
	// Filters are sent in the initial REQ frame.
	Filters []nostr.Filter

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// PingInterval is the keepalive period. 0 disables pings.
	PingInterval time.Duration

	// ReadTimeout fails the connection after this long without a frame or
	// pong. 0 disables the deadline.
	ReadTimeout time.Duration

	// OnEvent receives every EVENT record. It runs on the read goroutine.
	OnEvent func(relay string, ev nostr.Event)

	// OnStatus receives every state change.
	OnStatus func(Status)

	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer
}

// Conn is one relay connection.
type Conn struct {
	url  string
	opts Options

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	subID   string
	oneshot map[string]struct{} // subscriptions closed on EOSE

	writeMu sync.Mutex
	done    chan struct{}

	events    atomic.Int64
	malformed atomic.Int64
}

// New returns a Conn for url in the connecting state. Call Run to dial.
func New(url string, opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Conn{
		url:     url,
		opts:    opts,
		oneshot: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// URL returns the relay endpoint.
func (c *Conn) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscriptionID returns the id of the initial note subscription, empty until open.
func (c *Conn) SubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subID
}

// Events returns how many EVENT frames were dispatched.
func (c *Conn) Events() int64 { return c.events.Load() }

// Malformed returns how many inbound frames were dropped as malformed.
func (c *Conn) Malformed() int64 { return c.malformed.Load() }

// Done is closed once the connection reaches the closed state.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run dials the relay, subscribes, and reads frames until the socket fails or
// ctx is cancelled. It returns nil on cancellation or Close, and the transport
// error otherwise. The Conn is always closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.report(StateConnecting, nil)

	ws, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil || c.State() == StateClosed {
			c.closeWith(nil)
			return nil
		}
		err = fmt.Errorf("relay %s: dial: %w", c.url, err)
		c.closeWith(err)
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		// Close raced with the handshake.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()
	c.report(StateOpen, nil)
	slog.Info("relay: connected", "relay", c.url)

	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	if len(c.opts.Filters) > 0 {
		id, err := c.Subscribe("sub", c.opts.Filters...)
		if err != nil {
			if c.State() == StateClosed {
				return nil
			}
			err = fmt.Errorf("relay %s: subscribe: %w", c.url, err)
			c.closeWith(err)
			return err
		}
		c.mu.Lock()
		c.subID = id
		c.mu.Unlock()
	}

	if c.opts.PingInterval > 0 {
		go c.pingLoop(ws)
	}

	err = c.readLoop(ws)
	if c.State() == StateClosed || ctx.Err() != nil {
		c.Close()
		return nil
	}
	err = fmt.Errorf("relay %s: read: %w", c.url, err)
	c.closeWith(err)
	return err
}

// Subscribe sends a REQ frame with a fresh "<prefix>-<uuid>" subscription id
// and returns that id.
func (c *Conn) Subscribe(prefix string, filters ...nostr.Filter) (string, error) {
	return c.subscribe(prefix, false, filters)
}

// SubscribeOnce is like Subscribe, but the subscription is closed with a
// CLOSE frame as soon as the relay signals the end of stored events.
func (c *Conn) SubscribeOnce(prefix string, filters ...nostr.Filter) (string, error) {
	return c.subscribe(prefix, true, filters)
}

func (c *Conn) subscribe(prefix string, once bool, filters []nostr.Filter) (string, error) {
	id := prefix + "-" + uuid.NewString()
	frame, err := nostr.MarshalReq(id, filters...)
	if err != nil {
		return "", err
	}
	if once {
		// Registered before sending so a fast EOSE is not missed.
		c.mu.Lock()
		c.oneshot[id] = struct{}{}
		c.mu.Unlock()
	}
	if err := c.Send(frame); err != nil {
		if once {
			c.mu.Lock()
			delete(c.oneshot, id)
			c.mu.Unlock()
		}
		return "", err
	}
	slog.Debug("relay: subscribed", "relay", c.url, "sub", id, "once", once)
	return id, nil
}

// Send writes one text frame. Writes are serialized.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != StateOpen || ws == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// Close tears the connection down immediately, in any state. It is safe to
// call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeWith(nil)
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		ws.Close()
	}
	close(c.done)

	if cause != nil {
		slog.Warn("relay: connection failed", "relay", c.url, "err", cause)
	} else {
		slog.Info("relay: disconnected", "relay", c.url)
	}
	c.report(StateClosed, cause)
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	d := c.opts.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.opts.DialTimeout,
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := d.DialContext(dialCtx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	return ws, nil
}

// readLoop reads frames until the socket fails or the Conn leaves the open state.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	if c.opts.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) //nolint:errcheck
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		})
	}
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.State() != StateOpen {
			return nil
		}
		if c.opts.ReadTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) //nolint:errcheck
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

// dispatch is the single entry point for inbound frames.
func (c *Conn) dispatch(data []byte) {
	f, err := nostr.ParseFrame(data)
	if err != nil {
		c.malformed.Add(1)
		slog.Warn("relay: dropped malformed frame", "relay", c.url, "err", err)
		return
	}

	switch f.Type {
	case nostr.FrameEvent:
		c.events.Add(1)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(c.url, *f.Event)
		}
	case nostr.FrameEOSE:
		slog.Debug("relay: end of stored events", "relay", c.url, "sub", f.SubID)
		c.endOneshot(f.SubID)
	case nostr.FrameNotice:
		slog.Info("relay: notice", "relay", c.url, "message", f.Message)
	case nostr.FrameClosed:
		slog.Warn("relay: subscription closed by relay", "relay", c.url, "sub", f.SubID, "message", f.Message)
		c.mu.Lock()
		delete(c.oneshot, f.SubID)
		c.mu.Unlock()
	case nostr.FrameOK:
		slog.Debug("relay: ok", "relay", c.url, "event", f.EventID, "accepted", f.Accepted)
	default:
		slog.Debug("relay: ignored frame", "relay", c.url, "type", f.Type)
	}
}

func (c *Conn) endOneshot(subID string) {
	c.mu.Lock()
	_, ok := c.oneshot[subID]
	delete(c.oneshot, subID)
	c.mu.Unlock()
	if !ok {
		return
	}
	frame, err := nostr.MarshalClose(subID)
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil {
		slog.Debug("relay: close subscription failed", "relay", c.url, "sub", subID, "err", err)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("relay: ping failed", "relay", c.url, "err", err)
				return
			}
		}
	}
}

func (c *Conn) report(s State, err error) {
	if c.opts.OnStatus == nil {
		return
	}
	c.opts.OnStatus(Status{URL: c.url, State: s, Err: err, At: time.Now()})
}
